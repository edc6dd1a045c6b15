package main

import (
	"context"
	"net/http"

	"github.com/austindbirch/harbor_beacon/internal/backoff"
	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/controller"
	"github.com/austindbirch/harbor_beacon/internal/fanout"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/snapshot"
)

const appTokenParam = "app_token"

// controllers are the optional in-process subscribers of a relay
type controllers struct {
	lifecycle   *controller.Lifecycle
	attribution *controller.Attribution
	pushToken   *controller.PushToken
	logger      *logging.Logger
}

func startControllers(ctx context.Context, cfg config.Config, queue controller.Enqueuer, store snapshot.Store, hub *fanout.Hub, logger *logging.Logger) (*controllers, error) {
	params := map[string]string{}
	if cfg.Relay.AppToken != "" {
		params[appTokenParam] = cfg.Relay.AppToken
	}

	bo, err := backoff.New(cfg.AttributionBackoffConfig())
	if err != nil {
		return nil, err
	}
	attribution, err := controller.NewAttribution(ctx, queue, store, hub, logger, controller.AttributionOptions{
		Backoff:       bo,
		Params:        params,
		DoNotInitiate: cfg.Relay.NoAttributionAsk,
	})
	if err != nil {
		return nil, err
	}
	pushToken, err := controller.NewPushToken(ctx, queue, store, hub, logger, params)
	if err != nil {
		return nil, err
	}
	lifecycle, err := controller.NewLifecycle(ctx, store, hub, logger)
	if err != nil {
		pushToken.Stop()
		return nil, err
	}

	c := &controllers{
		lifecycle:   lifecycle,
		attribution: attribution,
		pushToken:   pushToken,
		logger:      logger,
	}
	attribution.Start()

	// a relay process counts as a foregrounded app
	if err := lifecycle.PostSdkInit(ctx); err != nil {
		c.stop()
		return nil, err
	}
	if err := lifecycle.Foreground(ctx); err != nil {
		c.stop()
		return nil, err
	}

	if cfg.Relay.PushToken != "" {
		if _, err := pushToken.SetPushToken(cfg.Relay.PushToken); err != nil {
			c.stop()
			return nil, err
		}
	}
	return c, nil
}

func (c *controllers) stop() {
	c.attribution.Stop()
	c.pushToken.Stop()
}

// lifecycleHandler applies foreground, background, active or inactive
func (c *controllers) lifecycleHandler(w http.ResponseWriter, r *http.Request) {
	var err error
	switch sig := r.PathValue("signal"); sig {
	case "foreground":
		err = c.lifecycle.Foreground(r.Context())
	case "background":
		err = c.lifecycle.Background(r.Context())
	case "active":
		err = c.lifecycle.SetSdkActive(r.Context(), true)
	case "inactive":
		err = c.lifecycle.SetSdkActive(r.Context(), false)
	default:
		http.Error(w, "unknown lifecycle signal "+sig, http.StatusNotFound)
		return
	}
	if err != nil {
		c.logger.WithContext(r.Context()).WithError(err).Error("lifecycle transition failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.lifecycle.State().Encode().Fields)
}
