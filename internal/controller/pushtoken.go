package controller

import (
	"context"
	"maps"
	"strings"
	"sync"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/failure"
	"github.com/austindbirch/harbor_beacon/internal/fanout"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/snapshot"
)

const (
	PushTokenParam = "push_token"
	SourceParam    = "source"
	pushSource     = "push"
)

// PushToken sends each new push token once. The token is only remembered
// after the backend accepted the info package that carried it.
type PushToken struct {
	queue  Enqueuer
	store  snapshot.Store
	logger *logging.Logger
	params map[string]string

	mu      sync.Mutex
	state   snapshot.PushTokenState
	// package id -> token; entries for packages dropped at shutdown are never cleared
	pending map[string]string
	sub     *fanout.Subscription
}

// NewPushToken loads the last sent token and subscribes to deliveries
func NewPushToken(ctx context.Context, queue Enqueuer, store snapshot.Store, hub *fanout.Hub, logger *logging.Logger, params map[string]string) (*PushToken, error) {
	state, err := snapshot.LoadInto(ctx, store, snapshot.TypePushToken, snapshot.DecodePushTokenState, snapshot.PushTokenState{})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	p := &PushToken{
		queue:   queue,
		store:   store,
		logger:  logger,
		params:  maps.Clone(params),
		state:   state,
		pending: make(map[string]string),
	}
	p.sub = fanout.Subscribe(hub.Deliveries, p, (*PushToken).onDelivery)
	return p, nil
}

// SetPushToken queues an info package for token. It reports false when the
// token was already sent or is on its way.
func (p *PushToken) SetPushToken(token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, failure.Configf("push token", "must not be blank")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if token == p.state.LastPushToken {
		p.logger.Plain().Debug("push token already sent")
		return false, nil
	}
	for _, t := range p.pending {
		if t == token {
			return false, nil
		}
	}

	params := maps.Clone(p.params)
	if params == nil {
		params = map[string]string{}
	}
	params[PushTokenParam] = token
	params[SourceParam] = pushSource

	pkg, err := activity.New(activity.KindInfo, activity.ConsentAnalytics, params)
	if err != nil {
		return false, err
	}
	if err := p.queue.Enqueue(pkg); err != nil {
		return false, err
	}
	p.pending[pkg.ID()] = token
	p.logger.Plain().WithPackage(pkg.ID()).Info("push token queued")
	return true, nil
}

// LastPushToken is the last token the backend accepted
func (p *PushToken) LastPushToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.LastPushToken
}

// Stop detaches from deliveries
func (p *PushToken) Stop() {
	p.sub.Cancel()
}

func (p *PushToken) onDelivery(d fanout.Delivery) {
	if d.Response == nil || d.Response.Package == nil {
		return
	}
	id := d.Response.Package.ID()

	p.mu.Lock()
	defer p.mu.Unlock()
	token, ok := p.pending[id]
	if !ok {
		return
	}
	delete(p.pending, id)

	if !d.Success() {
		p.logger.Plain().WithPackage(id).WithField("reason", d.Reason).Notice("push token not delivered")
		return
	}
	p.state.LastPushToken = token

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := p.store.Save(ctx, p.state.Encode()); err != nil {
		p.logger.Plain().WithPackage(id).WithError(err).Error("persist push token state")
	}
}
