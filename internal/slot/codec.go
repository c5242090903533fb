package slot

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/pitabwire/voltplan/model"
)

// Fields is a flat project field map as held by the field store.
type Fields map[string]string

// EncodeChain renders the chain fields of the slot at addr. Empty levels
// are written as empty strings so a store applying the map clears them.
func EncodeChain(addr model.SlotAddress, c model.SelectionChain) Fields {
	out := make(Fields, model.ChainDepth+2)
	for l := model.LevelType; int(l) < model.ChainDepth; l++ {
		out[Key(addr, LevelField(l))] = c.Get(l)
	}
	out[Key(addr, FieldIsNew)] = strconv.FormatBool(c.IsNew)
	out[Key(addr, FieldTag)] = c.Tag
	return out
}

// DecodeChain reads the chain of the slot at addr from fields.
func DecodeChain(addr model.SlotAddress, fields Fields) model.SelectionChain {
	var c model.SelectionChain
	for l := model.LevelType; int(l) < model.ChainDepth; l++ {
		c = c.With(l, fields[Key(addr, LevelField(l))])
	}
	c.IsNew, _ = strconv.ParseBool(fields[Key(addr, FieldIsNew)])
	c.Tag = fields[Key(addr, FieldTag)]
	return c
}

// Diff returns the entries of next whose value differs from prev.
func Diff(prev, next Fields) Fields {
	out := make(Fields)
	for k, v := range next {
		if old, ok := prev[k]; (!ok && v == "") || (ok && old == v) {
			continue
		}
		out[k] = v
	}
	return out
}

// Slots returns every slot address present in fields, ordered by system,
// role and index.
func Slots(fields Fields) []model.SlotAddress {
	seen := make(map[model.SlotAddress]struct{})
	for k := range fields {
		if addr, _, ok := Parse(k); ok {
			seen[addr] = struct{}{}
		}
	}

	out := make([]model.SlotAddress, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.System != b.System {
			return a.System < b.System
		}
		if a.Role != b.Role {
			return roleRank(a.Role) < roleRank(b.Role)
		}
		return a.Index < b.Index
	})
	return out
}

// SlotsWithRole filters Slots to one role.
func SlotsWithRole(fields Fields, role model.Role) []model.SlotAddress {
	var out []model.SlotAddress
	for _, a := range Slots(fields) {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

func roleRank(r model.Role) int {
	for i, k := range model.Roles {
		if k == r {
			return i
		}
	}
	return len(model.Roles)
}

// EncodeBranches renders the per-branch quantities of the slot at addr.
// Absent unit counts and sub-rows are written empty, as are branches after
// the last row up to clearTo.
func EncodeBranches(addr model.SlotAddress, rows []model.DistributionAssignment, clearTo int) Fields {
	out := make(Fields)
	for _, r := range rows {
		out[Key(addr, BranchField(r.BranchIndex))] = strconv.Itoa(r.PanelQty)
		out[Key(addr, BranchUnitsField(r.BranchIndex))] = ""
		if r.MicroUnitQty > 0 {
			out[Key(addr, BranchUnitsField(r.BranchIndex))] = strconv.Itoa(r.MicroUnitQty)
		}
		out[Key(addr, BranchSubRowsField(r.BranchIndex))] = ""
		if len(r.SubRows) > 0 {
			raw, _ := json.Marshal(r.SubRows)
			out[Key(addr, BranchSubRowsField(r.BranchIndex))] = string(raw)
		}
	}
	for b := len(rows) + 1; b <= clearTo; b++ {
		out[Key(addr, BranchField(b))] = ""
		out[Key(addr, BranchUnitsField(b))] = ""
		out[Key(addr, BranchSubRowsField(b))] = ""
	}
	return out
}

// DecodeBranches reads the per-branch quantities of the slot at addr in
// branch order. Missing or unparsable quantities read as zero and
// unparsable sub-rows as none.
func DecodeBranches(addr model.SlotAddress, fields Fields) []model.DistributionAssignment {
	prefix := Prefix(addr)
	byBranch := make(map[int]*model.DistributionAssignment)

	for k, v := range fields {
		field, ok := strings.CutPrefix(k, prefix)
		if !ok || v == "" {
			continue
		}
		n, ok := ParseBranchField(field)
		if !ok {
			continue
		}
		row, ok := byBranch[n]
		if !ok {
			row = &model.DistributionAssignment{BranchIndex: n}
			byBranch[n] = row
		}
		switch {
		case strings.HasSuffix(field, "_sub_rows"):
			var parts []model.BranchRow
			if json.Unmarshal([]byte(v), &parts) == nil {
				row.SubRows = parts
			}
		case strings.HasSuffix(field, "_micro_qty"):
			row.MicroUnitQty, _ = strconv.Atoi(v)
		default:
			row.PanelQty, _ = strconv.Atoi(v)
		}
	}

	out := make([]model.DistributionAssignment, 0, len(byBranch))
	for _, r := range byBranch {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchIndex < out[j].BranchIndex })
	return out
}
