package engine

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/internal/cascade"
	"github.com/pitabwire/voltplan/internal/catalog"
	"github.com/pitabwire/voltplan/internal/fieldstore"
	"github.com/pitabwire/voltplan/internal/observability"
	"github.com/pitabwire/voltplan/internal/slot"
	"github.com/pitabwire/voltplan/model"
)

// BOSResult reports an ApplyBOS run.
type BOSResult struct {
	ChangeResult
	// Added are the slots that received a default device.
	Added []model.SlotAddress `json:"added,omitempty"`
	// Skipped are defaults the catalog has no equipment type for.
	Skipped []model.BOSItem `json:"skipped,omitempty"`
}

// ApplyBOS adds the classified configuration's default balance-of-system
// devices to every system that lacks them and sizes them from the system's
// inverter output. Devices already present, matched by role and type, are
// left alone.
func (e *Engine) ApplyBOS(ctx context.Context, rctx *model.RequestContext, projectID string, expectedVersion int64) (res BOSResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "engine.apply_bos",
		observability.AttrProjectID.String(projectID),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		e.observe("apply_bos", start, err)
	}()

	snap, err := e.store.Get(ctx, rctx.TenantID, projectID)
	if err != nil {
		return BOSResult{}, err
	}
	if expectedVersion != fieldstore.AnyVersion && expectedVersion != snap.Version {
		return BOSResult{}, model.NewConflictError(
			fmt.Sprintf("project %q is at version %d, not %d", projectID, snap.Version, expectedVersion))
	}
	utility := utilityOf(snap.Fields, rctx)
	cls, env := e.classifyFields(snap.Fields, utility)
	if env != nil {
		return BOSResult{}, env
	}
	span.SetAttributes(observability.AttrConfigID.Int(int(cls.Configuration.ID)))
	ix, err := e.Index(utility)
	if err != nil {
		return BOSResult{}, err
	}

	writes := slot.Fields{}
	skipped := make(map[model.BOSItem]bool)
	for _, system := range bosSystems(snap.Fields) {
		for _, item := range missingBOS(ix, snap.Fields, writes, system.number, cls.BOS) {
			if item.Section != model.BOSSectionUtility && !system.battery {
				continue
			}
			typ := ix.Canonical(item.EquipmentType)
			if len(ix.FindByType(typ)) == 0 {
				if !skipped[item] {
					skipped[item] = true
					res.Skipped = append(res.Skipped, item)
				}
				continue
			}
			addr := nextFreeSlot(merged(snap.Fields, writes), system.number, item.Role)
			writes[slot.Key(addr, slot.FieldEquipmentType)] = typ
			writes[slot.Key(addr, slot.FieldIsNew)] = "true"
			res.Added = append(res.Added, addr)
		}
	}

	next := merged(snap.Fields, writes)
	r := cascade.NewResolver(ix)
	for _, addr := range res.Added {
		if w, _, ok := e.recomputeSlot(r, ix, next, addr); ok {
			maps.Copy(writes, w)
		}
	}

	next = merged(snap.Fields, writes)
	newCls, clsErr := e.reclassify(next, writes, utility)
	writes = slot.Diff(snap.Fields, writes)
	res.ChangeResult = ChangeResult{
		ProjectID:          projectID,
		Version:            snap.Version,
		Writes:             writes,
		Classification:     newCls,
		ConfigurationError: clsErr,
	}
	if len(writes) == 0 {
		return res, nil
	}

	after, err := e.store.Apply(ctx, fieldstore.Mutation{
		TenantID:        rctx.TenantID,
		ProjectID:       projectID,
		Writes:          writes,
		ExpectedVersion: snap.Version,
		ActorID:         rctx.SubjectID,
		Reason:          "apply default BOS for " + cls.Configuration.Name,
	})
	if err != nil {
		return BOSResult{}, err
	}
	res.Version = after.Version
	e.logger.Info("default BOS applied",
		zap.String("project_id", projectID),
		zap.Int("configuration_id", int(cls.Configuration.ID)),
		zap.Int("added", len(res.Added)),
		zap.Int("skipped", len(res.Skipped)),
	)
	e.publishChanges(ctx, rctx, projectID, after.Version, snap.Fields, writes, nil, newCls, clsErr)
	return res, nil
}

type bosSystem struct {
	number  int
	battery bool
}

// bosSystems lists the systems holding an inverter or a battery in order.
// A project with a battery nowhere treats system 1 as the storage system.
func bosSystems(fields slot.Fields) []bosSystem {
	var out []bosSystem
	index := make(map[int]int)
	anyBattery := false
	for _, addr := range slot.Slots(fields) {
		if addr.Role != model.RoleInverter && addr.Role != model.RoleBattery {
			continue
		}
		if fields[slot.Key(addr, slot.FieldEquipmentType)] == "" {
			continue
		}
		i, ok := index[addr.System]
		if !ok {
			i = len(out)
			index[addr.System] = i
			out = append(out, bosSystem{number: addr.System})
		}
		if addr.Role == model.RoleBattery {
			out[i].battery = true
			anyBattery = true
		}
	}
	if !anyBattery && len(out) > 0 {
		out[0].battery = true
	}
	return out
}

// missingBOS returns the items of want the system does not already hold.
// Each present slot of the same role and type satisfies one item.
func missingBOS(ix *catalog.Index, fields, writes slot.Fields, system int, want []model.BOSItem) []model.BOSItem {
	current := merged(fields, writes)
	have := make(map[string]int)
	for _, addr := range slot.Slots(current) {
		if addr.System != system {
			continue
		}
		if typ := current[slot.Key(addr, slot.FieldEquipmentType)]; typ != "" {
			have[bosKey(addr.Role, ix.Canonical(typ))]++
		}
	}

	var out []model.BOSItem
	for _, item := range want {
		k := bosKey(item.Role, ix.Canonical(item.EquipmentType))
		if have[k] > 0 {
			have[k]--
			continue
		}
		out = append(out, item)
	}
	return out
}

func bosKey(role model.Role, typ string) string {
	return string(role) + "\x00" + strings.ToLower(typ)
}

// nextFreeSlot returns the first index of role in system after every slot
// already in use.
func nextFreeSlot(fields slot.Fields, system int, role model.Role) model.SlotAddress {
	last := 0
	for _, addr := range slot.SlotsWithRole(fields, role) {
		if addr.System == system {
			last = max(last, addr.Index)
		}
	}
	return model.SlotAddress{System: system, Role: role, Index: last + 1}
}
