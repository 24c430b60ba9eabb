// Package schema validates records against per-type CUE definitions.
//
// A schema file declares one definition per record type, named after the
// type with a leading '#'. Definitions describe the materialized record,
// including the reserved id and updated_at fields:
//
//	#card: {
//		id:         string
//		title:      string & !=""
//		laneId?:    string
//		updated_at: int
//	}
//
// Definitions are closed; add "..." to allow undeclared fields.
package schema
