package session

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	ascRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	ascRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Outcome is the decision taken for one response.
type Outcome int

const (
	// OutcomeSuccess returns the response to the caller.
	OutcomeSuccess Outcome = iota

	// OutcomeRetryUnauthorized repeats the request with a fresh token.
	OutcomeRetryUnauthorized

	// OutcomeRetryServerError repeats the request unchanged.
	OutcomeRetryServerError

	// OutcomeFatal turns the response into an *APIError.
	OutcomeFatal
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryUnauthorized:
		return "retry_unauthorized"
	case OutcomeRetryServerError:
		return "retry_server_error"
	default:
		return "fatal"
	}
}

// RetryBudget bounds the attempts of one logical request per failure class.
// Counters start at the configured number of attempts and only decrease.
type RetryBudget struct {
	Unauthorized int
	ServerError  int
}

// NewRetryBudget creates a budget allowing up to unauthorized attempts that end
// in 401 and serverError attempts that end in 5xx. Values below 1 count as 1.
func NewRetryBudget(unauthorized, serverError int) *RetryBudget {
	return &RetryBudget{
		Unauthorized: max(unauthorized, 1),
		ServerError:  max(serverError, 1),
	}
}

// Decide classifies status and charges the matching counter.
// A failure is retried only while its counter stays above zero.
func (b *RetryBudget) Decide(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusUnauthorized:
		b.Unauthorized--
		if b.Unauthorized > 0 {
			return OutcomeRetryUnauthorized
		}
		return OutcomeFatal
	case status >= 500:
		b.ServerError--
		if b.ServerError > 0 {
			return OutcomeRetryServerError
		}
		return OutcomeFatal
	default:
		return OutcomeFatal
	}
}

// newHTTPClient returns the client used for requests. With network retries
// enabled the base client is wrapped so that transport failures (no response
// at all) are retried with exponential backoff. Status codes never trigger
// this policy; they are handled by RetryBudget without delay.
func newHTTPClient(cfg Config, logger zerolog.Logger) *http.Client {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.NetworkRetries <= 0 {
		return base
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = cfg.NetworkRetries
	rc.RetryWaitMin = cfg.NetworkRetryWaitMin
	rc.RetryWaitMax = cfg.NetworkRetryWaitMax
	rc.CheckRetry = retryNetworkErrors
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = retryLogger{logger: logger}
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			ascRetriesTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		}
	}
	return rc.StandardClient()
}

// retryNetworkErrors retries transport errors only.
func retryNetworkErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// retryLogger adapts zerolog to retryablehttp.LeveledLogger.
type retryLogger struct {
	logger zerolog.Logger
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// defaultNetworkRetryWait bounds the backoff between network retries.
const (
	defaultNetworkRetryWaitMin = 1 * time.Second
	defaultNetworkRetryWaitMax = 30 * time.Second
)
