package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
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

// FieldChange is one user edit of a project field.
type FieldChange struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
	// ExpectedVersion guards the write; fieldstore.AnyVersion skips the check.
	ExpectedVersion int64  `json:"expected_version"`
	Reason          string `json:"reason,omitempty"`
}

// ChangeResult reports everything one edit wrote.
type ChangeResult struct {
	ProjectID string      `json:"project_id"`
	Version   int64       `json:"version"`
	Writes    slot.Fields `json:"writes"`
	// Cascade is set when the edit touched a chain level.
	Cascade        *cascade.Change       `json:"cascade,omitempty"`
	Classification *model.Classification `json:"classification,omitempty"`
	// ConfigurationError explains why the project has no configuration.
	// It does not fail the edit.
	ConfigurationError *model.ErrorEnvelope `json:"configuration_error,omitempty"`
}

// projectKeys are the editable keys that belong to no slot.
var projectKeys = map[string]bool{
	slot.KeyBackupOption: true,
	slot.KeyMeterCollar:  true,
	slot.KeyUtility:      true,
}

// ParseSlot parses a slot path segment such as "battery1", "sys2_inverter1"
// or "postcombine_2_3".
func ParseSlot(s string) (model.SlotAddress, error) {
	addr, _, ok := slot.Parse(s + "_" + slot.FieldMake)
	if !ok {
		return model.SlotAddress{}, model.NewBadRequestError(fmt.Sprintf("invalid slot %q", s))
	}
	return addr, nil
}

// Fields returns the project's stored field map.
func (e *Engine) Fields(ctx context.Context, rctx *model.RequestContext, projectID string) (fieldstore.Snapshot, error) {
	return e.store.Get(ctx, rctx.TenantID, projectID)
}

// History returns the project's most recent revisions.
func (e *Engine) History(ctx context.Context, rctx *model.RequestContext, projectID string, limit int) ([]fieldstore.Revision, error) {
	return e.store.History(ctx, rctx.TenantID, projectID, limit)
}

// Options returns the legal choices at level for the slot at addr, given the
// slot's stored upstream selections and its sized load.
func (e *Engine) Options(ctx context.Context, rctx *model.RequestContext, projectID string, addr model.SlotAddress, level model.Level) (set cascade.OptionSet, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "engine.options",
		observability.AttrProjectID.String(projectID),
		observability.AttrSlot.String(addr.String()),
		observability.AttrLevel.String(level.String()),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		e.observe("options", start, err)
	}()

	if !level.Valid() {
		return cascade.OptionSet{}, model.NewBadRequestError(fmt.Sprintf("invalid level %q", level))
	}
	snap, err := e.store.Get(ctx, rctx.TenantID, projectID)
	if err != nil {
		return cascade.OptionSet{}, err
	}
	ix, err := e.Index(utilityOf(snap.Fields, rctx))
	if err != nil {
		return cascade.OptionSet{}, err
	}

	chain := slot.DecodeChain(addr, snap.Fields)
	set = cascade.NewResolver(ix).OptionsFor(level, chain, e.loadFor(ix, snap.Fields, addr).minAmp())
	if set.Unsatisfiable {
		e.recorder.RecordUnsatisfiable(level.String())
	}
	return set, nil
}

// ChangeField applies one edit. Chain levels cascade to quiescence and
// protective slots are auto-sized from their system's inverter output.
// Every resulting write, including the new classification, is applied as
// one mutation.
func (e *Engine) ChangeField(ctx context.Context, rctx *model.RequestContext, projectID string, in FieldChange) (res ChangeResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "engine.change_field",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrProjectID.String(projectID),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		e.observe("change_field", start, err)
	}()

	// 1. Load the project.
	snap, err := e.store.Get(ctx, rctx.TenantID, projectID)
	if err != nil {
		return ChangeResult{}, err
	}
	if in.ExpectedVersion != fieldstore.AnyVersion && in.ExpectedVersion != snap.Version {
		return ChangeResult{}, model.NewConflictError(
			fmt.Sprintf("project %q is at version %d, not %d", projectID, snap.Version, in.ExpectedVersion))
	}

	// 2. Compute the direct and cascaded writes.
	writes, change, err := e.edit(snap.Fields, rctx, in)
	if err != nil {
		return ChangeResult{}, err
	}
	res = ChangeResult{ProjectID: projectID, Version: snap.Version, Cascade: change}

	// 3. Reclassify against the would-be field map.
	next := merged(snap.Fields, writes)
	cls, clsErr := e.reclassify(next, writes, utilityOf(next, rctx))
	res.Classification, res.ConfigurationError = cls, clsErr

	writes = slot.Diff(snap.Fields, writes)
	if len(writes) == 0 {
		res.Writes = slot.Fields{}
		return res, nil
	}

	// 4. Persist every write together.
	after, err := e.store.Apply(ctx, fieldstore.Mutation{
		TenantID:        rctx.TenantID,
		ProjectID:       projectID,
		Writes:          writes,
		ExpectedVersion: snap.Version,
		ActorID:         rctx.SubjectID,
		Reason:          reasonOr(in.Reason, "field change "+in.Key),
	})
	if err != nil {
		return ChangeResult{}, err
	}
	res.Version = after.Version
	res.Writes = writes

	// 5. Notify.
	var autoFilled []string
	if change != nil {
		for _, l := range change.AutoFilled {
			autoFilled = append(autoFilled, l.String())
		}
	}
	e.publishChanges(ctx, rctx, projectID, after.Version, snap.Fields, writes, autoFilled, cls, clsErr)
	return res, nil
}

// edit returns the writes one field change implies, before classification.
func (e *Engine) edit(fields slot.Fields, rctx *model.RequestContext, in FieldChange) (slot.Fields, *cascade.Change, error) {
	key := strings.TrimSpace(in.Key)
	addr, field, isSlot := slot.Parse(key)
	if !isSlot {
		if !projectKeys[key] {
			return nil, nil, model.NewValidationError([]model.FieldError{{
				Field: key, Code: "UNKNOWN_FIELD", Message: "not an editable project field",
			}})
		}
		return slot.Fields{key: strings.TrimSpace(in.Value)}, nil, nil
	}

	level, isLevel := slot.FieldLevel(field)
	if !isLevel {
		value, err := plainValue(key, field, in.Value)
		if err != nil {
			return nil, nil, err
		}
		writes := slot.Fields{key: value}
		if addr.Role != model.RoleInverter || field != slot.FieldQuantity {
			return writes, nil, nil
		}
		ix, err := e.Index(utilityOf(fields, rctx))
		if err != nil {
			return nil, nil, err
		}
		return e.followInverter(ix, fields, addr, writes, false), nil, nil
	}

	ix, err := e.Index(utilityOf(fields, rctx))
	if err != nil {
		return nil, nil, err
	}
	res := cascade.NewResolver(ix)
	chain := slot.DecodeChain(addr, fields)
	ld := e.loadFor(ix, fields, addr)

	change, err := res.OnFieldChange(level, in.Value, chain, ld.minAmp())
	if errors.Is(err, cascade.ErrNotAnOption) {
		return nil, nil, model.NewValidationError([]model.FieldError{{
			Field: key, Code: "NOT_AN_OPTION", Message: err.Error(),
		}})
	}
	if err != nil {
		return nil, nil, err
	}

	// Selecting a protective type sizes its rating from the system load.
	if level == model.LevelType && change.Chain.Type != "" && ld.amps > 0 {
		if sized, ok := res.AutoSize(change.Chain, ld.amps, ld.ceiling); ok {
			change.Chain = sized.Chain
			change.AutoFilled = append(change.AutoFilled, sized.AutoFilled...)
			change.BackFilled = change.BackFilled || sized.BackFilled
			change.Unsatisfiable = append(change.Unsatisfiable, sized.Unsatisfiable...)
			change.Flags = appendUnique(change.Flags, sized.Flags...)
		}
	}

	for _, l := range change.AutoFilled {
		e.recorder.RecordAutoFill(l.String())
	}
	for _, l := range change.Unsatisfiable {
		e.recorder.RecordUnsatisfiable(l.String())
	}
	if len(change.Unsatisfiable) > 0 {
		e.logger.Info("no compliant equipment",
			zap.String("slot", addr.String()),
			zap.Float64("load_amps", ld.amps),
		)
	}

	writes := slot.Diff(slot.EncodeChain(addr, chain), slot.EncodeChain(addr, change.Chain))
	if addr.Role == model.RoleInverter {
		modelChanged := !strings.EqualFold(chain.Model, change.Chain.Model)
		writes = e.followInverter(ix, fields, addr, writes, modelChanged)
	}
	return writes, &change, nil
}

// followInverter extends the writes of an edit to the inverter at addr.
// A different model invalidates the slot's stored branch layout, and every
// protective slot of the system is re-checked against the new load.
func (e *Engine) followInverter(ix *catalog.Index, fields slot.Fields, addr model.SlotAddress, writes slot.Fields, modelChanged bool) slot.Fields {
	if modelChanged {
		prefix := slot.Prefix(addr)
		for k, v := range fields {
			f, ok := strings.CutPrefix(k, prefix)
			if !ok || v == "" {
				continue
			}
			if _, isBranch := slot.ParseBranchField(f); isBranch {
				writes[k] = ""
			}
		}
	}

	next := merged(fields, writes)
	r := cascade.NewResolver(ix)
	for _, p := range slot.Slots(next) {
		if p.System != addr.System || !protectedRoles[p.Role] {
			continue
		}
		if w, rep, changed := e.recomputeSlot(r, ix, next, p); changed {
			maps.Copy(writes, w)
			if len(rep.Cleared) > 0 {
				e.logger.Info("protective rating re-sized",
					zap.String("slot", p.String()),
					zap.String("inverter", addr.String()),
				)
			}
		}
	}
	return writes
}

// plainValue validates a slot field outside the chain.
func plainValue(key, field, value string) (string, error) {
	value = strings.TrimSpace(value)
	invalid := func(code, msg string) error {
		return model.NewValidationError([]model.FieldError{{Field: key, Code: code, Message: msg}})
	}

	switch {
	case field == slot.FieldIsNew:
		if value == "" {
			return "", nil
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return "", invalid("INVALID_BOOL", "must be true or false")
		}
		return strconv.FormatBool(b), nil
	case field == slot.FieldQuantity:
		if value == "" {
			return "", nil
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return "", invalid("INVALID_QUANTITY", "must be a non-negative integer")
		}
		return strconv.Itoa(n), nil
	}
	if strings.HasSuffix(field, "_sub_rows") && value != "" {
		var parts []model.BranchRow
		if err := json.Unmarshal([]byte(value), &parts); err != nil {
			return "", invalid("INVALID_SUB_ROWS", "must be a JSON array of branch rows")
		}
		raw, err := json.Marshal(parts)
		if err != nil {
			return "", invalid("INVALID_SUB_ROWS", err.Error())
		}
		return string(raw), nil
	}
	if _, ok := slot.ParseBranchField(field); ok && value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return "", invalid("INVALID_QUANTITY", "must be a non-negative integer")
		}
		return strconv.Itoa(n), nil
	}
	return value, nil
}

// RemoveSlot deletes every field of the slot at addr, then reclassifies.
func (e *Engine) RemoveSlot(ctx context.Context, rctx *model.RequestContext, projectID string, addr model.SlotAddress) (res ChangeResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "engine.remove_slot",
		observability.AttrProjectID.String(projectID),
		observability.AttrSlot.String(addr.String()),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		e.observe("remove_slot", start, err)
	}()

	removed, err := e.store.Delete(ctx, rctx.TenantID, projectID, slot.Prefix(addr))
	if err != nil {
		return ChangeResult{}, err
	}
	if removed == 0 {
		return ChangeResult{}, model.NewNotFoundError(fmt.Sprintf("slot %s has no fields", addr))
	}
	return e.refreshClassification(ctx, rctx, projectID, "remove slot "+addr.String())
}

// refreshClassification reclassifies the stored project and writes the
// result when it changed.
func (e *Engine) refreshClassification(ctx context.Context, rctx *model.RequestContext, projectID, reason string) (ChangeResult, error) {
	snap, err := e.store.Get(ctx, rctx.TenantID, projectID)
	if err != nil {
		return ChangeResult{}, err
	}
	writes := slot.Fields{}
	cls, clsErr := e.reclassify(snap.Fields, writes, utilityOf(snap.Fields, rctx))
	res := ChangeResult{
		ProjectID:          projectID,
		Version:            snap.Version,
		Writes:             slot.Diff(snap.Fields, writes),
		Classification:     cls,
		ConfigurationError: clsErr,
	}
	if len(res.Writes) == 0 {
		return res, nil
	}
	after, err := e.store.Apply(ctx, fieldstore.Mutation{
		TenantID:        rctx.TenantID,
		ProjectID:       projectID,
		Writes:          res.Writes,
		ExpectedVersion: snap.Version,
		ActorID:         rctx.SubjectID,
		Reason:          reason,
	})
	if err != nil {
		return ChangeResult{}, err
	}
	res.Version = after.Version
	e.publishChanges(ctx, rctx, projectID, after.Version, snap.Fields, res.Writes, nil, cls, clsErr)
	return res, nil
}

// merged overlays writes on fields. Empty values delete.
func merged(fields, writes slot.Fields) slot.Fields {
	out := maps.Clone(fields)
	if out == nil {
		out = slot.Fields{}
	}
	for k, v := range writes {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
