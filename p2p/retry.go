package p2p

import (
	"time"

	"github.com/canopy-network/hotshot/lib"
	"github.com/cenkalti/backoff/v4"
)

// RetryingNetwork wraps a network and retries sends that fail with a retryable fault
// Receivers are idempotent over duplicates (votes dedupe, identical proposals replay), so retrying
// a partially delivered broadcast is safe
type RetryingNetwork struct {
	inner   lib.Network
	config  lib.P2PConfig
	metrics *lib.Metrics
	log     lib.LoggerI
}

var _ lib.Network = &RetryingNetwork{} // enforce the network interface

// NewRetryingNetwork() wraps inner with the backoff policy of the config
func NewRetryingNetwork(inner lib.Network, config lib.P2PConfig, metrics *lib.Metrics, log lib.LoggerI) *RetryingNetwork {
	if log == nil {
		log = lib.NewNullLogger()
	}
	return &RetryingNetwork{inner: inner, config: config, metrics: metrics, log: log}
}

// SendToLeader() delivers a message to a single participant, retrying transient failures
func (r *RetryingNetwork) SendToLeader(leader []byte, msg *lib.Message) lib.ErrorI {
	return r.retry(msg, func() lib.ErrorI { return r.inner.SendToLeader(leader, msg) })
}

// Broadcast() delivers a message to every participant but the sender, retrying transient failures
func (r *RetryingNetwork) Broadcast(msg *lib.Message) lib.ErrorI {
	return r.retry(msg, func() lib.ErrorI { return r.inner.Broadcast(msg) })
}

// retry() runs send until it succeeds, fails permanently, or exhausts the retries
func (r *RetryingNetwork) retry(msg *lib.Message, send func() lib.ErrorI) lib.ErrorI {
	var last lib.ErrorI
	operation := func() error {
		last = send()
		if last == nil {
			return nil
		}
		if last.Kind().Handling() != lib.HandlingRetry {
			return backoff.Permanent(last)
		}
		return last
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.IncSendRetry()
		r.log.Debugf("Retrying %s in %s after err: %s", msg, wait, err.Error())
	}
	if err := backoff.RetryNotify(operation, r.newBackOff(), notify); err != nil {
		r.metrics.IncSendFailure(last.Kind())
		r.log.Warnf("Sending %s failed with err: %s", msg, last.Error())
		return last
	}
	return nil
}

// newBackOff() builds a fresh exponential policy bounded by the configured retry count
func (r *RetryingNetwork) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(r.config.InitialRetryMS) * time.Millisecond
	b.MaxInterval = time.Duration(r.config.MaxRetryIntervalMS) * time.Millisecond
	b.MaxElapsedTime = 0 // bounded by the retry count instead
	b.Reset()
	return backoff.WithMaxRetries(b, r.config.MaxSendRetries)
}
