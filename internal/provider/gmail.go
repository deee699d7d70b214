package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailwatch/internal/models"
	"mailwatch/internal/utils"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	pubsubPublisherRole = "roles/pubsub.publisher"
	labelFilterInclude  = "INCLUDE"
	historyTypeAdded    = "messageAdded"
	bootstrapListSize   = 20
)

// Baseline is the watch registration result: the history cursor the
// provider will notify from, and when the channel expires.
type Baseline struct {
	Cursor uint64
	Expiry time.Time
}

// Delta is the outcome of a history listing: new message ids in provider
// order and the cursor covering them.
type Delta struct {
	MessageIDs []string
	Cursor     uint64
}

// Profile is the current mailbox state.
type Profile struct {
	EmailAddress string
	Cursor       uint64
}

// Config holds Gmail client configuration.
type Config struct {
	ProjectID     string
	ProjectNumber string
	Topic         string
	LabelFilter   string
	ClientID      string
	ClientSecret  string
	Timeout       time.Duration
	QPS           float64
}

// GmailClient performs watch registration and history listing against the
// Gmail API. All calls go through a shared rate limiter and a circuit
// breaker; client-side rejections (4xx) do not trip the breaker.
type GmailClient struct {
	cfg     Config
	oauth   *oauth2.Config
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *utils.Logger
}

// NewGmailClient creates a new GmailClient
func NewGmailClient(cfg Config) *GmailClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.QPS <= 0 {
		cfg.QPS = 5
	}
	if cfg.LabelFilter == "" {
		cfg.LabelFilter = "INBOX"
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			// Authorization and stale-cursor outcomes are the caller's
			// problem, not a sign the provider is down.
			return err == nil || !IsTransient(err)
		},
	})

	return &GmailClient{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailReadonlyScope},
		},
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(cfg.QPS), int(cfg.QPS)+1),
		logger:  utils.NewLogger("GmailClient"),
	}
}

// TopicName returns the fully qualified Pub/Sub topic name
func (c *GmailClient) TopicName() string {
	return fmt.Sprintf("projects/%s/topics/%s", c.cfg.ProjectID, c.cfg.Topic)
}

// ServiceAccount returns the Gmail push service account that must hold
// the publisher role on the topic
func (c *GmailClient) ServiceAccount() string {
	return fmt.Sprintf("service-%s@gcp-sa-gmail.iam.gserviceaccount.com", c.cfg.ProjectNumber)
}

func (c *GmailClient) service(ctx context.Context, account *models.Account) (*gmail.Service, error) {
	ts := c.oauth.TokenSource(ctx, account.Token.Token())
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("create gmail service: %w", err)}
	}
	return svc, nil
}

// call runs one provider operation under the limiter and breaker.
func (c *GmailClient) call(ctx context.Context, op string, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			return nil, c.classify(op, err)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientError{Err: err}
	}
	return err
}

// classify maps raw API failures onto the error taxonomy.
func (c *GmailClient) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return &PermissionDeniedError{
				Grantee: c.ServiceAccount(),
				Role:    pubsubPublisherRole,
				Topic:   c.TopicName(),
				Err:     err,
			}
		case 404:
			if op == "history.list" {
				return fmt.Errorf("%w: %v", ErrStaleCursor, err)
			}
			return &TransientError{Code: apiErr.Code, Err: err}
		default:
			return &TransientError{Code: apiErr.Code, Err: err}
		}
	}

	// Network-level failures with no HTTP status.
	return &TransientError{Err: err}
}

// RegisterWatch (re)registers the push channel for the account's mailbox.
// The call is idempotent on the provider side: re-watching an already
// watched mailbox replaces the channel.
func (c *GmailClient) RegisterWatch(ctx context.Context, account *models.Account) (Baseline, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	svc, err := c.service(ctx, account)
	if err != nil {
		return Baseline{}, err
	}

	var resp *gmail.WatchResponse
	err = c.call(ctx, "watch", func() error {
		var callErr error
		resp, callErr = svc.Users.Watch("me", &gmail.WatchRequest{
			TopicName:           c.TopicName(),
			LabelIds:            []string{c.cfg.LabelFilter},
			LabelFilterBehavior: labelFilterInclude,
		}).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return Baseline{}, err
	}

	baseline := Baseline{
		Cursor: resp.HistoryId,
		Expiry: time.UnixMilli(resp.Expiration),
	}
	c.logger.Debug("Registered watch for %s: cursor=%d expiry=%s",
		account.EmailAddress, baseline.Cursor, baseline.Expiry.Format(time.RFC3339))
	return baseline, nil
}

// StopWatch tears down the push channel for the account's mailbox
func (c *GmailClient) StopWatch(ctx context.Context, account *models.Account) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	svc, err := c.service(ctx, account)
	if err != nil {
		return err
	}
	return c.call(ctx, "stop", func() error {
		return svc.Users.Stop("me").Context(ctx).Do()
	})
}

// ListHistory enumerates message ids added since fromCursor, following
// pagination and preserving provider order. Returns ErrStaleCursor when
// the provider no longer retains history back to fromCursor.
func (c *GmailClient) ListHistory(ctx context.Context, account *models.Account, fromCursor uint64) (Delta, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	svc, err := c.service(ctx, account)
	if err != nil {
		return Delta{}, err
	}

	delta := Delta{Cursor: fromCursor}
	seen := make(map[string]bool)
	pageToken := ""
	for {
		var resp *gmail.ListHistoryResponse
		err = c.call(ctx, "history.list", func() error {
			call := svc.Users.History.List("me").
				StartHistoryId(fromCursor).
				HistoryTypes(historyTypeAdded).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var callErr error
			resp, callErr = call.Do()
			return callErr
		})
		if err != nil {
			return Delta{}, err
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				delta.MessageIDs = append(delta.MessageIDs, added.Message.Id)
			}
		}
		if resp.HistoryId > delta.Cursor {
			delta.Cursor = resp.HistoryId
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return delta, nil
}

// ListRecent returns the newest message ids in the watched label. Used
// for the bootstrap resync after a stale cursor, where the history gap
// cannot be enumerated.
func (c *GmailClient) ListRecent(ctx context.Context, account *models.Account) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	svc, err := c.service(ctx, account)
	if err != nil {
		return nil, err
	}

	var resp *gmail.ListMessagesResponse
	err = c.call(ctx, "messages.list", func() error {
		var callErr error
		resp, callErr = svc.Users.Messages.List("me").
			LabelIds(c.cfg.LabelFilter).
			MaxResults(bootstrapListSize).
			Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// GetProfile returns the mailbox's current state
func (c *GmailClient) GetProfile(ctx context.Context, account *models.Account) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	svc, err := c.service(ctx, account)
	if err != nil {
		return Profile{}, err
	}

	var resp *gmail.Profile
	err = c.call(ctx, "profile", func() error {
		var callErr error
		resp, callErr = svc.Users.GetProfile("me").Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		EmailAddress: resp.EmailAddress,
		Cursor:       resp.HistoryId,
	}, nil
}
