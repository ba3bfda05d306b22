// Package events records authorization server events as Prometheus counters
// and structured audit log lines.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "idserver"

// Sink implements oauth.EventSource. Counter updates and log writes never
// block the request.
type Sink struct {
	logger         *slog.Logger
	authentication *prometheus.CounterVec
	tokens         *prometheus.CounterVec
	codes          *prometheus.CounterVec
	responses      *prometheus.CounterVec
	revocations    *prometheus.CounterVec
	introspections *prometheus.CounterVec
	inFlight       prometheus.Gauge
}

// NewSink creates the counters and registers them with reg.
func NewSink(reg prometheus.Registerer, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		logger: logger,
		authentication: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_owner_authentications_total",
			Help:      "Resource owners authenticated.",
		}, []string{"method"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_tokens_granted_total",
			Help:      "Access tokens granted to clients.",
		}, []string{"client_id"}),
		codes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_codes_granted_total",
			Help:      "Authorization codes granted to clients.",
		}, []string{"client_id"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_responses_total",
			Help:      "Authorization responses generated, by response type.",
		}, []string{"client_id", "response_type"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_revoked_total",
			Help:      "Tokens revoked by clients.",
		}, []string{"client_id"}),
		introspections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_introspections_total",
			Help:      "Token introspections, by result.",
		}, []string{"client_id", "active"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "authorization_responses_in_flight",
			Help:      "Authorization responses being generated.",
		}),
	}
	for _, c := range []prometheus.Collector{
		s.authentication, s.tokens, s.codes, s.responses, s.revocations, s.introspections, s.inFlight,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AuthenticateResourceOwner counts a login. External subjects carry their
// provider name as prefix.
func (s *Sink) AuthenticateResourceOwner(subject string) {
	method := "local"
	if provider, _, ok := strings.Cut(subject, ":"); ok {
		method = provider
	}
	s.authentication.WithLabelValues(method).Inc()
	s.logger.Info("security_audit", "event_type", "resource_owner_authenticated",
		"user_id_hash", hashForLogging(subject), "method", method)
}

func (s *Sink) GrantAccessToClient(clientID, accessToken, scopes string) {
	s.tokens.WithLabelValues(clientID).Inc()
	s.logger.Info("security_audit", "event_type", "token_issued",
		"client_id", clientID, "token_hash", hashForLogging(accessToken), "scope", scopes)
}

func (s *Sink) GrantAuthorizationCodeToClient(clientID, code, scopes string) {
	s.codes.WithLabelValues(clientID).Inc()
	s.logger.Info("security_audit", "event_type", "code_issued",
		"client_id", clientID, "code_hash", hashForLogging(code), "scope", scopes)
}

func (s *Sink) StartGeneratingAuthorizationResponseToClient(clientID, responseTypes string) {
	s.inFlight.Inc()
	s.logger.Debug("authorization response started", "client_id", clientID, "response_type", responseTypes)
}

func (s *Sink) EndGeneratingAuthorizationResponseToClient(clientID, responseTypes, parameters string) {
	s.inFlight.Dec()
	s.responses.WithLabelValues(clientID, responseTypes).Inc()
	s.logger.Debug("authorization response generated", "client_id", clientID,
		"response_type", responseTypes, "parameters_len", len(parameters))
}

func (s *Sink) RevokeToken(clientID, token string) {
	s.revocations.WithLabelValues(clientID).Inc()
	s.logger.Info("security_audit", "event_type", "token_revoked",
		"client_id", clientID, "token_hash", hashForLogging(token))
}

func (s *Sink) IntrospectToken(clientID string, active bool) {
	s.introspections.WithLabelValues(clientID, strconv.FormatBool(active)).Inc()
}

// hashForLogging keeps secrets and identifiers out of the logs while still
// letting lines be correlated.
func hashForLogging(v string) string {
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}
