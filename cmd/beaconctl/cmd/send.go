package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/backoff"
	"github.com/austindbirch/harbor_beacon/internal/delivery"
	"github.com/austindbirch/harbor_beacon/internal/endpoint"
	"github.com/austindbirch/harbor_beacon/internal/fanout"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/response"
	"github.com/austindbirch/harbor_beacon/internal/sender"
	"github.com/austindbirch/harbor_beacon/internal/tracing"
)

var (
	sendConsent     string
	sendBackoff     string
	sendMaxAttempts int
	sendNsqd        string
	sendTopic       string
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <kind> [key=value ...]",
	Short: "Send one package and wait for its outcome",
	Long: `Send one package through an in-process delivery queue and print the
terminal outcome. With --nsqd the package is published to a relay instead.

Examples:
  beaconctl send session app_token=abc123 created_at=2026-01-01T00:00:00Z
  beaconctl send event event_token=xyz --url-strategy http://localhost:8081
  beaconctl send attribution app_token=abc123 --consent consent --json
  beaconctl send info push_token=t1 --nsqd localhost:4150`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg, err := buildPackage(args[0], sendConsent, args[1:])
		if err != nil {
			return err
		}

		if sendNsqd != "" {
			producer, err := nsq.NewProducer(sendNsqd, nsq.NewConfig())
			if err != nil {
				return fmt.Errorf("nsq producer creation failed: %w", err)
			}
			defer producer.Stop()
			if err := publishPackage(cmd.Context(), producer, sendTopic, pkg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published package %s (%s) to %s\n", pkg.ID(), pkg.Kind(), sendTopic)
			return nil
		}

		ec, err := endpointConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := sendPackage(ctx, pkg, sendOptions{
			Endpoint:    ec,
			Backoff:     sendBackoff,
			MaxAttempts: sendMaxAttempts,
			Sender:      sender.New(sender.WithTimeout(timeout), sender.WithLogger(logger)),
			Progress:    cmd.ErrOrStderr(),
			Hub:         fanout.NewHub(logger),
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), res)
		if !res.Success {
			return fmt.Errorf("package dropped: %s", res.Reason)
		}
		return nil
	},
}

// Publisher is satisfied by *nsq.Producer
type Publisher interface {
	Publish(topic string, body []byte) error
}

// publishPackage hands pkg to a relay through the packages topic
func publishPackage(ctx context.Context, p Publisher, topic string, pkg *activity.Package) error {
	body, err := json.Marshal(pkg.ToTask(tracing.PropagateToMap(ctx)))
	if err != nil {
		return err
	}
	if err := p.Publish(topic, body); err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return nil
}

type sendOptions struct {
	Endpoint    endpoint.Config
	Backoff     string // long, short or none
	MaxAttempts int
	Sender      sender.Sender
	Progress    io.Writer // retry notices, may be nil
	Hub         *fanout.Hub
	Logger      *logging.Logger
}

// sendResult is the printed outcome of one package
type sendResult struct {
	PackageID   string                `json:"package_id"`
	Kind        string                `json:"kind"`
	Success     bool                  `json:"success"`
	Reason      string                `json:"reason"`
	Failures    int                   `json:"failed_attempts"`
	StatusCode  int                   `json:"status_code,omitempty"`
	Message     string                `json:"message,omitempty"`
	Error       string                `json:"error,omitempty"`
	Adid        string                `json:"adid,omitempty"`
	Attribution *response.Attribution `json:"attribution,omitempty"`
	Warnings    []string              `json:"warnings,omitempty"`
}

func (r sendResult) String() string {
	var b strings.Builder
	mark := "✗"
	if r.Success {
		mark = "✓"
	}
	fmt.Fprintf(&b, "%s %s package %s: %s after %d failed attempt(s)", mark, r.Kind, r.PackageID, r.Reason, r.Failures)
	if r.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", r.StatusCode)
	}
	if r.Message != "" {
		fmt.Fprintf(&b, "\n  Message: %s", r.Message)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "\n  Error: %s", r.Error)
	}
	if r.Attribution != nil {
		fmt.Fprintf(&b, "\n  Attribution: tracker=%s network=%s campaign=%s", r.Attribution.TrackerName, r.Attribution.Network, r.Attribution.Campaign)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "\n  Warning: %s", w)
	}
	return b.String()
}

func newResult(d fanout.Delivery) sendResult {
	resp := d.Response
	res := sendResult{
		PackageID:  resp.Package.ID(),
		Kind:       resp.Package.Kind().String(),
		Success:    d.Success(),
		Reason:     d.Reason,
		Failures:   resp.Package.Attempt(),
		StatusCode: resp.StatusCode,
		Message:    resp.Envelope.Message,
		Adid:       resp.Envelope.Adid,
	}
	if err := resp.Err(); err != nil {
		res.Error = err.Error()
	}
	switch data := resp.Data.(type) {
	case response.AttributionData:
		res.Attribution = data.Attribution
	case response.ClickData:
		res.Attribution = data.Attribution
	}
	for _, w := range resp.Warnings {
		res.Warnings = append(res.Warnings, w.String())
	}
	return res
}

// outcomeWaiter receives the terminal delivery of one package
type outcomeWaiter struct {
	id       string
	done     chan fanout.Delivery
	progress io.Writer
}

func (w *outcomeWaiter) onDelivery(d fanout.Delivery) {
	if d.Response == nil || d.Response.Package == nil || d.Response.Package.ID() != w.id {
		return
	}
	select {
	case w.done <- d:
	default:
	}
}

func (w *outcomeWaiter) onRetry(r fanout.RetryScheduled) {
	if w.progress == nil || r.Response == nil {
		return
	}
	fmt.Fprintf(w.progress, "attempt %d failed (%s), retrying in %s on endpoint %d\n", r.Attempt, r.Response.Reason, r.Delay.Round(time.Millisecond), r.Cursor)
}

func backoffPreset(name string) (backoff.Config, error) {
	switch name {
	case "", "short":
		return backoff.Short(), nil
	case "long":
		return backoff.Long(), nil
	case "none":
		return backoff.NoWait(), nil
	default:
		return backoff.Config{}, fmt.Errorf("unknown backoff %q (use long, short or none)", name)
	}
}

// sendPackage runs a delivery queue until pkg reaches a terminal outcome
// or ctx is done.
func sendPackage(ctx context.Context, pkg *activity.Package, opts sendOptions) (sendResult, error) {
	urls, err := endpoint.New(opts.Endpoint)
	if err != nil {
		return sendResult{}, err
	}
	preset, err := backoffPreset(opts.Backoff)
	if err != nil {
		return sendResult{}, err
	}
	bo, err := backoff.New(preset)
	if err != nil {
		return sendResult{}, err
	}
	hub := opts.Hub
	if hub == nil {
		hub = fanout.NewHub(opts.Logger)
	}
	defer hub.Close()

	queue, err := delivery.New(delivery.Deps{
		Sender:  opts.Sender,
		URLs:    urls,
		Backoff: bo,
		Hub:     hub,
		Logger:  opts.Logger,
	}, delivery.Options{MaxAttempts: opts.MaxAttempts})
	if err != nil {
		return sendResult{}, err
	}

	w := &outcomeWaiter{id: pkg.ID(), done: make(chan fanout.Delivery, 1), progress: opts.Progress}
	deliveries := fanout.Subscribe(hub.Deliveries, w, (*outcomeWaiter).onDelivery)
	retries := fanout.Subscribe(hub.Retries, w, (*outcomeWaiter).onRetry)
	defer deliveries.Cancel()
	defer retries.Cancel()

	if err := queue.Start(ctx); err != nil {
		return sendResult{}, err
	}
	if err := queue.Enqueue(pkg); err != nil {
		return sendResult{}, multierr.Append(err, queue.Shutdown(context.Background()))
	}

	var res sendResult
	var waitErr error
	select {
	case d := <-w.done:
		res = newResult(d)
	case <-ctx.Done():
		waitErr = fmt.Errorf("no outcome for package %s: %w", pkg.ID(), ctx.Err())
	}
	// the hub only holds w weakly
	runtime.KeepAlive(w)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := queue.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		waitErr = multierr.Append(waitErr, err)
	}
	return res, waitErr
}

func init() {
	sendCmd.Flags().StringVar(&sendConsent, "consent", "analytics", "consent classification (analytics or consent)")
	sendCmd.Flags().StringVar(&sendBackoff, "backoff", "short", "retry backoff (long, short or none)")
	sendCmd.Flags().IntVar(&sendMaxAttempts, "max-attempts", 5, "drop the package after this many failed exchanges (0 means no limit)")
	sendCmd.Flags().StringVar(&sendNsqd, "nsqd", "", "publish to this nsqd TCP address instead of sending")
	sendCmd.Flags().StringVar(&sendTopic, "topic", "packages", "NSQ topic used with --nsqd")
	rootCmd.AddCommand(sendCmd)
}
