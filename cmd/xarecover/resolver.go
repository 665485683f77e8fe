package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/baxromumarov/xa-participant/pkg/participant"
	"github.com/baxromumarov/xa-participant/pkg/pgxa"
	"github.com/baxromumarov/xa-participant/pkg/recovery"
)

// session is one recovery connection.
type session struct {
	dsn string
	p   *participant.Participant
}

// recoverySet is a resolver over one participant per configured database.
type recoverySet struct {
	resolver  *recovery.Resolver
	decisions *recovery.DecisionLog
	sessions  []session
}

func (a *app) decisionLog() (*recovery.DecisionLog, error) {
	path := a.v.GetString("decision-log")
	key := a.decisionKey()
	log := recovery.NewDecisionLog(path, key)
	if log == nil {
		if path != "" {
			a.logger.Warn("decision log disabled: key missing (set --decision-key or XA_DECISION_KEY)")
		}
		return nil, nil
	}
	if err := log.Load(); err != nil {
		return nil, fmt.Errorf("load decision log: %w", err)
	}
	return log, nil
}

func (a *app) openRecoverySet(ctx context.Context, reg prometheus.Registerer) (*recoverySet, error) {
	dsns, err := a.dsns()
	if err != nil {
		return nil, err
	}
	decisions, err := a.decisionLog()
	if err != nil {
		return nil, err
	}

	opts := []recovery.Option{
		recovery.WithDecisionLog(decisions),
		recovery.WithPresumedAbort(a.v.GetBool("presume-abort")),
		recovery.WithParallelism(a.v.GetInt("parallel")),
		recovery.WithLogger(a.logger.Named("recovery")),
	}
	var pm *participant.Metrics
	if reg != nil {
		opts = append(opts, recovery.WithMetrics(recovery.NewMetrics(reg)))
		pm = participant.NewMetrics(reg)
	}

	set := &recoverySet{
		resolver:  recovery.NewResolver(opts...),
		decisions: decisions,
	}
	for _, dsn := range dsns {
		masked := maskDSN(dsn)
		conn, err := pgxa.Connect(ctx, dsn,
			pgxa.WithLogger(a.logger.Named("pgxa").With(zap.String("dsn", masked))),
			pgxa.WithApplicationName("xarecover"),
		)
		if err != nil {
			_ = set.Close(ctx)
			return nil, fmt.Errorf("connect %s: %w", masked, err)
		}

		p := participant.New(conn,
			participant.WithLogger(a.logger.Named("participant")),
			participant.WithMetrics(pm),
			participant.WithConnectionErrorListener(func(err error) {
				a.logger.Error("recovery connection broken", zap.String("dsn", masked), zap.Error(err))
			}),
		)
		set.resolver.Register(p.RecoverableTwoPhaseResource(conn.XAResource()))
		set.sessions = append(set.sessions, session{dsn: masked, p: p})
	}
	return set, nil
}

func (s *recoverySet) resources() string {
	names := make([]string, 0, len(s.sessions))
	for _, sess := range s.sessions {
		names = append(names, sess.dsn)
	}
	return strings.Join(names, ",")
}

func (s *recoverySet) Close(ctx context.Context) error {
	var err error
	for _, sess := range s.sessions {
		err = multierr.Append(err, sess.p.Close(ctx))
	}
	s.sessions = nil
	return err
}

// maskDSN hides the password of a URL or keyword/value DSN.
func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}

	if strings.Contains(dsn, "://") {
		if u, err := url.Parse(dsn); err == nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), "****")
			}
			return u.String()
		}
	}

	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=****"
		}
	}
	return strings.Join(fields, " ")
}
