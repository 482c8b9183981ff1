// Package ingest is the boundary against device traffic: it validates,
// rate-limits and sequences location samples, then runs each accepted
// sample through matching, transition tracking, attendance and fan-out.
package ingest

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/metrics"
	"github.com/sells-group/geoattend/internal/model"
)

// Status is the gateway's answer for one sample.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	// StatusDropped is a low-confidence fix. Devices see it as accepted.
	StatusDropped Status = "dropped"
)

// Result is the outcome of Accept. Err is nil when the sample was accepted.
type Result struct {
	Status      Status
	Err         error
	RetryAfter  time.Duration
	ConfirmedAt time.Time
}

// Accepted reports whether the device should treat the sample as delivered.
func (r Result) Accepted() bool {
	return r.Status == StatusAccepted || r.Status == StatusDropped
}

// Submitter hands an accepted sample to the matching pipeline.
type Submitter interface {
	Submit(s model.LocationSample) error
}

// GatewayConfig controls admission.
type GatewayConfig struct {
	// MinAccuracyMeters is the accuracy ceiling; worse fixes are dropped.
	// Zero disables the check.
	MinAccuracyMeters float64
	Clock             quartz.Clock
	Metrics           *metrics.Metrics
}

// Gateway admits samples into the pipeline.
type Gateway struct {
	cfg      GatewayConfig
	validate *validator.Validate
	limiter  Limiter
	next     Submitter
}

// NewGateway creates a Gateway. limiter may be nil to disable rate limiting.
func NewGateway(cfg GatewayConfig, limiter Limiter, next Submitter) *Gateway {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Gateway{cfg: cfg, validate: v, limiter: limiter, next: next}
}

// Accept validates, rate-limits and enqueues one sample. Validation and
// admission are synchronous; matching happens asynchronously after return.
func (g *Gateway) Accept(ctx context.Context, s model.LocationSample) Result {
	log := zap.L().With(zap.String("tenant_id", s.TenantID), zap.String("subject_id", s.SubjectID))

	if err := g.check(s); err != nil {
		log.Info("ingest: sample rejected", zap.Error(err))
		g.cfg.Metrics.RecordSample(metrics.SampleRejected)
		return Result{Status: StatusRejected, Err: err}
	}

	if g.cfg.MinAccuracyMeters > 0 && s.Accuracy() > g.cfg.MinAccuracyMeters {
		err := &LowConfidenceSample{AccuracyMeters: s.Accuracy(), CeilingMeters: g.cfg.MinAccuracyMeters}
		log.Debug("ingest: low-confidence sample dropped", zap.Error(err))
		g.cfg.Metrics.RecordSample(metrics.SampleLowConfidence)
		return Result{Status: StatusDropped, ConfirmedAt: g.cfg.Clock.Now()}
	}

	key := s.TenantID + "/" + s.SubjectID
	admitted := false
	if g.limiter != nil {
		ok, retryAfter, err := g.limiter.Allow(ctx, key)
		if err != nil {
			// Admission control must not take ingestion down with it.
			log.Warn("ingest: rate limiter unavailable, admitting sample", zap.Error(err))
		} else if !ok {
			g.cfg.Metrics.RecordSample(metrics.SampleRateLimited)
			return Result{
				Status:     StatusRejected,
				Err:        &RateLimited{SubjectID: s.SubjectID, RetryAfter: retryAfter},
				RetryAfter: retryAfter,
			}
		} else {
			admitted = true
		}
	}

	if err := g.next.Submit(s); err != nil {
		// The sample never reached the pipeline, so it must not use up the
		// subject's window.
		if admitted {
			if rerr := g.limiter.Release(ctx, key); rerr != nil {
				log.Warn("ingest: release rate limit slot", zap.Error(rerr))
			}
		}
		var rl *RateLimited
		if errors.As(err, &rl) {
			g.cfg.Metrics.RecordSample(metrics.SampleRateLimited)
			return Result{Status: StatusRejected, Err: err, RetryAfter: rl.RetryAfter}
		}
		log.Error("ingest: submit failed", zap.Error(err))
		g.cfg.Metrics.RecordSample(metrics.SampleRejected)
		return Result{Status: StatusRejected, Err: err}
	}

	g.cfg.Metrics.RecordSample(metrics.SampleAccepted)
	return Result{Status: StatusAccepted, ConfirmedAt: g.cfg.Clock.Now()}
}

func (g *Gateway) check(s model.LocationSample) error {
	// validator treats NaN as passing range checks.
	for _, f := range []float64{s.Latitude, s.Longitude} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &ValidationError{Fields: []string{"latitude", "longitude"}, Reason: "coordinates must be finite"}
		}
	}

	err := g.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+":"+fe.Tag())
		}
		return &ValidationError{Fields: fields, Reason: "field constraints failed"}
	}
	return &ValidationError{Reason: err.Error()}
}
