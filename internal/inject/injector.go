package inject

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingmesh/internal/log"
	"github.com/Klingon-tech/klingmesh/internal/metrics"
	"github.com/Klingon-tech/klingmesh/internal/router"
	"github.com/Klingon-tech/klingmesh/internal/topology"
)

// Methods and timeouts of the injection protocol.
const (
	MethodHealth        = "health"
	MethodInjectContext = "agent.injectContext"
	Source              = "l1-identity-injection"

	HealthTimeout = 5 * time.Second
	InjectTimeout = 10 * time.Second
)

// Dependent layer status as reported by Beat.
const (
	StatusHealthy     = "healthy"
	StatusDegraded    = "degraded"
	StatusUnreachable = "unreachable"
)

// Router sends an adjacency-checked call.
type Router interface {
	Route(ctx context.Context, req router.Request) (*router.Result, error)
}

// ContextSource produces the identity-restoration text.
type ContextSource interface {
	Injection() string
}

// Payload is the agent.injectContext params.
type Payload struct {
	Context  string `json:"context"`
	Priority string `json:"priority"`
	Source   string `json:"source"`
}

// InjectionResult records one injection attempt.
type InjectionResult struct {
	Success    bool           `json:"success"`
	InjectedAt int64          `json:"injectedAt,omitempty"` // unix ms
	Error      string         `json:"error,omitempty"`
	Result     *router.Result `json:"-"`
}

// CheckResult is the outcome of CheckAndInjectIfNeeded. Checked is false
// when the health query itself failed.
type CheckResult struct {
	Checked   bool             `json:"checked"`
	Degraded  bool             `json:"degraded"`
	Injected  bool             `json:"injected"`
	Injection *InjectionResult `json:"result,omitempty"`
}

// Report summarizes one periodic beat.
type Report struct {
	Timestamp        int64  `json:"timestamp"`
	GatewayStatus    string `json:"gatewayStatus"`
	IdentityInjected bool   `json:"identityInjected"`
}

// Injector runs on the guardian layer and watches the dependent layer.
type Injector struct {
	router Router
	source ContextSource
	from   topology.Name
	target topology.Name
	now    func() time.Time
	logger zerolog.Logger

	mu   sync.Mutex
	last *Report
}

// NewInjector creates an injector that routes from the guardian to the
// dependent layer.
func NewInjector(r Router, source ContextSource) *Injector {
	return &Injector{
		router: r,
		source: source,
		from:   topology.Guardian,
		target: topology.Dependent,
		now:    time.Now,
		logger: klog.Inject,
	}
}

// SetClock replaces the time source (tests).
func (in *Injector) SetClock(now func() time.Time) {
	in.now = now
}

// CheckAndInjectIfNeeded queries the dependent layer's health and, if it is
// degraded, routes the identity context to it.
func (in *Injector) CheckAndInjectIfNeeded(ctx context.Context) CheckResult {
	res, err := in.router.Route(ctx, router.Request{
		From:    in.from,
		To:      in.target,
		Method:  MethodHealth,
		Timeout: HealthTimeout,
	})
	if err != nil {
		in.logger.Debug().Err(err).Str("target", string(in.target)).Msg("Health query failed")
		return CheckResult{
			Injection: &InjectionResult{Error: err.Error()},
		}
	}

	var health HealthReport
	if len(res.Result) > 0 {
		// Non-object results carry no metrics and count as healthy.
		if err := json.Unmarshal(res.Result, &health); err != nil {
			in.logger.Debug().Err(err).Str("target", string(in.target)).Msg("Health result carries no metrics")
		}
	}
	if !health.Degraded() {
		return CheckResult{Checked: true}
	}

	in.logger.Info().Str("target", string(in.target)).Msg("Context degradation detected, injecting identity")
	inj := in.inject(ctx)
	return CheckResult{
		Checked:   true,
		Degraded:  true,
		Injected:  inj.Success,
		Injection: inj,
	}
}

func (in *Injector) inject(ctx context.Context) *InjectionResult {
	res, err := in.router.Route(ctx, router.Request{
		From:   in.from,
		To:     in.target,
		Method: MethodInjectContext,
		Params: Payload{
			Context:  in.source.Injection(),
			Priority: "high",
			Source:   Source,
		},
		Timeout: InjectTimeout,
	})
	if err != nil {
		in.logger.Warn().Err(err).Str("target", string(in.target)).Msg("Identity injection failed")
		return &InjectionResult{Error: err.Error()}
	}
	return &InjectionResult{
		Success:    true,
		InjectedAt: in.now().UnixMilli(),
		Result:     res,
	}
}

// Beat runs one check and records the summary for Last.
func (in *Injector) Beat(ctx context.Context) Report {
	rep := Report{Timestamp: in.now().UnixMilli()}
	res := in.CheckAndInjectIfNeeded(ctx)
	switch {
	case !res.Checked:
		rep.GatewayStatus = StatusUnreachable
	case res.Degraded:
		rep.GatewayStatus = StatusDegraded
	default:
		rep.GatewayStatus = StatusHealthy
	}
	rep.IdentityInjected = res.Injected

	metrics.Injections.WithLabelValues(rep.GatewayStatus, boolLabel(rep.IdentityInjected)).Inc()

	in.mu.Lock()
	in.last = &rep
	in.mu.Unlock()
	return rep
}

// Last returns the most recent Beat report.
func (in *Injector) Last() (Report, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.last == nil {
		return Report{}, false
	}
	return *in.last, true
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
