package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/voltplan/internal/classify"
	"github.com/pitabwire/voltplan/internal/events"
	"github.com/pitabwire/voltplan/internal/observability"
	"github.com/pitabwire/voltplan/internal/slot"
	"github.com/pitabwire/voltplan/model"
)

// Classify returns the stored project's configuration. Invalid and
// undetermined fact vectors are returned as errors.
func (e *Engine) Classify(ctx context.Context, rctx *model.RequestContext, projectID string) (cls model.Classification, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "engine.classify",
		observability.AttrProjectID.String(projectID),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		e.observe("classify", start, err)
	}()

	snap, err := e.store.Get(ctx, rctx.TenantID, projectID)
	if err != nil {
		return model.Classification{}, err
	}
	c, env := e.classifyFields(snap.Fields, utilityOf(snap.Fields, rctx))
	if env != nil {
		return model.Classification{}, env
	}
	span.SetAttributes(observability.AttrConfigID.Int(int(c.Configuration.ID)))
	return *c, nil
}

// classifyFields classifies a field map, attaches the configuration's
// default BOS in utility's vocabulary and records the outcome.
func (e *Engine) classifyFields(fields slot.Fields, utility string) (*model.Classification, *model.ErrorEnvelope) {
	c, err := e.classifier.Classify(classify.DetectFacts(fields))
	if err != nil {
		var env *model.ErrorEnvelope
		if !errors.As(err, &env) {
			e.logger.Error("classification failed", zap.Error(err))
			env = model.NewInternalError()
		}
		e.recorder.RecordClassification(env.Code)
		return nil, env
	}
	c.BOS = classify.DefaultBOS(c.Configuration.ID, utility)
	e.recorder.RecordClassification(strconv.Itoa(int(c.Configuration.ID)))
	return &c, nil
}

// reclassify classifies next and adds the configuration keys to writes.
// A failed classification clears them.
func (e *Engine) reclassify(next, writes slot.Fields, utility string) (*model.Classification, *model.ErrorEnvelope) {
	c, env := e.classifyFields(next, utility)
	if env != nil {
		writes[slot.KeyConfigurationID] = ""
		writes[slot.KeyConfigurationRule] = ""
		return nil, env
	}
	writes[slot.KeyConfigurationID] = strconv.Itoa(int(c.Configuration.ID))
	writes[slot.KeyConfigurationRule] = c.Rule
	return c, nil
}

// publishChanges emits FieldsChanged for every applied mutation and
// ConfigurationChanged when the stored configuration id moved. Publish
// failures are logged, never returned.
func (e *Engine) publishChanges(
	ctx context.Context,
	rctx *model.RequestContext,
	projectID string,
	version int64,
	before, writes slot.Fields,
	autoFilled []string,
	cls *model.Classification,
	clsErr *model.ErrorEnvelope,
) {
	fc := events.NewFieldsChanged(rctx.TenantID, projectID, version, writes)
	fc.ActorID = rctx.SubjectID
	fc.AutoFilled = autoFilled
	e.recordPublish(events.TypeFieldsChanged, projectID, e.publisher.PublishFieldsChanged(ctx, fc))

	if _, moved := writes[slot.KeyConfigurationID]; !moved {
		return
	}
	cc := events.NewConfigurationChanged(rctx.TenantID, projectID, version)
	if prev, err := strconv.Atoi(before[slot.KeyConfigurationID]); err == nil {
		cc.Previous = model.ConfigurationID(prev)
	}
	if cls != nil {
		conf := cls.Configuration
		cc.Configuration = &conf
		cc.Provisional = cls.Provisional
		cc.Corrections = cls.Corrections
	}
	if clsErr != nil {
		cc.ErrorCode = clsErr.Code
	}
	e.recordPublish(events.TypeConfigurationChanged, projectID, e.publisher.PublishConfigurationChanged(ctx, cc))
}

func (e *Engine) recordPublish(eventType, projectID string, err error) {
	if err != nil {
		e.recorder.RecordEventPublished(eventType, "error")
		e.logger.Warn("event publish failed",
			zap.String("type", eventType),
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		return
	}
	e.recorder.RecordEventPublished(eventType, "ok")
}
