package livesync

import (
	"fmt"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/remote"
)

// DefaultPartitionTable holds one row per partition.
const DefaultPartitionTable = "fe_worlds"

// TypeMapping binds a local record type to a remote table.
//
// Fields renames local field names to remote column names; fields not
// listed keep their name. The id column always carries the record id.
type TypeMapping struct {
	Type   string            `yaml:"type" json:"type"`
	Table  string            `yaml:"table" json:"table"`
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Mapping is the full local-to-remote binding. Types are pulled in order,
// so parents (lanes) land before children (cards).
type Mapping struct {
	PartitionTable string        `yaml:"partition_table" json:"partitionTable"`
	Types          []TypeMapping `yaml:"types" json:"types"`
}

// DefaultMapping binds lanes and cards to fe_lanes and fe_cards.
func DefaultMapping() Mapping {
	return Mapping{
		PartitionTable: DefaultPartitionTable,
		Types: []TypeMapping{
			{Type: "lane", Table: "fe_lanes"},
			{Type: "card", Table: "fe_cards", Fields: map[string]string{
				"laneId":     "lane_id",
				"nextAction": "next_action",
				"createdAt":  "created_at",
			}},
		},
	}
}

// Validate checks that types and tables are unique and that no field is
// renamed onto a reserved or already used column.
func (m Mapping) Validate() error {
	if m.PartitionTable == "" {
		return fmt.Errorf("mapping: partition table is required")
	}
	types := make(map[string]bool)
	tables := map[string]bool{m.PartitionTable: true}
	for _, tm := range m.Types {
		switch {
		case tm.Type == "":
			return fmt.Errorf("mapping: type is required")
		case tm.Table == "":
			return fmt.Errorf("mapping: type %q has no table", tm.Type)
		case types[tm.Type]:
			return fmt.Errorf("mapping: type %q mapped twice", tm.Type)
		case tables[tm.Table]:
			return fmt.Errorf("mapping: table %q used twice", tm.Table)
		}
		types[tm.Type], tables[tm.Table] = true, true

		used := make(map[string]string)
		for local, col := range tm.Fields {
			if reservedColumn(col) || reservedColumn(local) {
				return fmt.Errorf("mapping: type %q renames %q to %q: reserved column", tm.Type, local, col)
			}
			if prev, dup := used[col]; dup {
				return fmt.Errorf("mapping: type %q maps %q and %q to column %q", tm.Type, prev, local, col)
			}
			used[col] = local
		}
	}
	return nil
}

// Tables returns the type tables in pull order.
func (m Mapping) Tables() []string {
	out := make([]string, len(m.Types))
	for i, tm := range m.Types {
		out[i] = tm.Table
	}
	return out
}

// ForType returns the mapping of a local type.
func (m Mapping) ForType(typ string) (TypeMapping, bool) {
	for _, tm := range m.Types {
		if tm.Type == typ {
			return tm, true
		}
	}
	return TypeMapping{}, false
}

// ForTable returns the mapping of a remote table.
func (m Mapping) ForTable(table string) (TypeMapping, bool) {
	for _, tm := range m.Types {
		if tm.Table == table {
			return tm, true
		}
	}
	return TypeMapping{}, false
}

// FromChange converts a realtime change into the local action it implies.
// Returns false for tables outside the mapping and malformed changes.
func (m Mapping) FromChange(c remote.Change) (ir.Action, bool) {
	tm, ok := m.ForTable(c.Table)
	if !ok {
		return ir.Action{}, false
	}
	row := c.Row()
	if row.ID() == "" {
		return ir.Action{}, false
	}
	if c.EventType == remote.EventDelete {
		return ir.Delete(tm.Type, row.ID()), true
	}
	return ir.Put(tm.Type, row.ID(), tm.FromRow(row)), true
}

// ToRow converts a local action into the row pushed for it. A put carries
// every data field; a delete carries only the key and device.
//
// A field whose name is the target of a rename is shadowed by the renamed
// field and not sent.
func (tm TypeMapping) ToRow(a ir.Action, partition, device string) remote.Row {
	targets := make(map[string]bool, len(tm.Fields))
	for _, col := range tm.Fields {
		targets[col] = true
	}

	row := remote.Row{}
	if a.Op == ir.OpPut {
		for k, v := range a.Data {
			_, renamed := tm.Fields[k]
			if reservedColumn(k) || (targets[k] && !renamed) {
				continue
			}
			row[tm.column(k)] = v
		}
	}
	row[remote.ColID] = a.ID
	row[remote.ColPartition] = partition
	row[remote.ColUpdatedDevice] = device
	return row
}

// FromRow converts a remote row into local record data. The reserved
// columns are dropped; the store re-adds id when it materializes. A column
// named like a renamed local field is shadowed by the renamed column.
func (tm TypeMapping) FromRow(row remote.Row) ir.Record {
	fields := make(map[string]string, len(tm.Fields))
	for local, col := range tm.Fields {
		fields[col] = local
	}

	data := ir.Record{}
	for col, v := range row {
		local, renamed := fields[col]
		_, shadowed := tm.Fields[col]
		switch {
		case reservedColumn(col):
			continue
		case renamed:
			data[local] = v
		case !shadowed:
			data[col] = v
		}
	}
	return data
}

func (tm TypeMapping) column(field string) string {
	if col, ok := tm.Fields[field]; ok {
		return col
	}
	return field
}

func reservedColumn(name string) bool {
	switch name {
	case remote.ColID, remote.ColPartition, remote.ColUpdatedDevice:
		return true
	}
	return false
}
