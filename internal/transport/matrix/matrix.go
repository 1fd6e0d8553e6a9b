// Package matrix is the Matrix client-server adapter: notices go out as
// m.notice room messages, and text messages from joined rooms come in
// through a long-polling /sync loop.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "doorbot/internal/runtime/supervisor"
	kit "doorbot/internal/transport"
	logx "doorbot/pkg/logx"
)

const (
	RoomSigil          = "!"
	defaultSyncTimeout = 30 * time.Second
	maxResponseBytes   = 8 << 20

	// Only room messages; no presence or account data.
	syncFilter = `{"room":{"timeline":{"limit":20,"types":["m.room.message"]},"state":{"lazy_load_members":true}},"presence":{"types":[]},"account_data":{"types":[]}}`
)

type Config struct {
	Homeserver  string
	AccessToken string
	// UserID is looked up with /account/whoami when empty.
	UserID      string
	SyncTimeout time.Duration
}

// MatrixError is the homeserver's error body.
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

type Adapter struct {
	cfg     Config
	baseURL string
	log     logx.Logger
	http    *http.Client

	txnPrefix string
	txnSeq    atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	userMu sync.Mutex
	userID string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.Homeserver), "/")
	if base == "" {
		return nil, errors.New("matrix homeserver is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("matrix homeserver: %w", err)
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("matrix access token is empty")
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:       cfg,
		baseURL:   base,
		log:       log,
		http:      &http.Client{Timeout: cfg.SyncTimeout + 15*time.Second},
		txnPrefix: strconv.FormatInt(time.Now().UnixNano(), 36),
		userID:    cfg.UserID,
	}, nil
}

func (a *Adapter) Name() string { return "matrix" }

// SendText posts text to room as an m.notice.
func (a *Adapter) SendText(ctx context.Context, room, text string) error {
	if !strings.HasPrefix(room, RoomSigil) || len(room) == len(RoomSigil) {
		return fmt.Errorf("%w: %q", kit.ErrBadRoom, room)
	}
	txn := a.txnPrefix + "." + strconv.FormatUint(a.txnSeq.Add(1), 10)
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s", url.PathEscape(room), url.PathEscape(txn))
	content := map[string]string{"msgtype": "m.notice", "body": text}
	if _, err := a.do(ctx, http.MethodPut, path, content, nil); err != nil {
		return fmt.Errorf("matrix send to %s: %w", room, err)
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "matrix.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	a.sup.GoRestart("matrix.sync", func(c context.Context) error {
		return a.syncLoop(c, out)
	},
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.running = false
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Debug("matrix stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) whoAmI(ctx context.Context) (string, error) {
	a.userMu.Lock()
	defer a.userMu.Unlock()
	if a.userID != "" {
		return a.userID, nil
	}
	body, err := a.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil)
	if err != nil {
		return "", fmt.Errorf("whoami: %w", err)
	}
	var resp struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("whoami: %w", err)
	}
	a.userID = resp.UserID
	return a.userID, nil
}

type roomEvent struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	EventID string `json:"event_id"`
	Content struct {
		MsgType string `json:"msgtype"`
		Body    string `json:"body"`
	} `json:"content"`
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []roomEvent `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

func (a *Adapter) sync(ctx context.Context, since string, timeout time.Duration) (*syncResponse, error) {
	q := url.Values{}
	q.Set("filter", syncFilter)
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if since != "" {
		q.Set("since", since)
	}
	body, err := a.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", nil, q)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	var resp syncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	return &resp, nil
}

// syncLoop forwards text messages from other users. The first sync only
// establishes a position so old messages are not replayed as commands.
func (a *Adapter) syncLoop(ctx context.Context, out chan<- kit.Update) error {
	self, err := a.whoAmI(ctx)
	if err != nil {
		return err
	}
	first, err := a.sync(ctx, "", 0)
	if err != nil {
		return err
	}
	since := first.NextBatch
	a.log.Info("matrix sync started", logx.String("user", self))

	for {
		resp, err := a.sync(ctx, since, a.cfg.SyncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		since = resp.NextBatch
		for roomID, room := range resp.Rooms.Join {
			for _, ev := range room.Timeline.Events {
				if ev.Type != "m.room.message" || ev.Sender == self || ev.Content.MsgType != "m.text" {
					continue
				}
				up := kit.Update{Message: &kit.Message{
					ID:       ev.EventID,
					Room:     roomID,
					FromID:   ev.Sender,
					FromName: ev.Sender,
					Text:     ev.Content.Body,
				}}
				select {
				case out <- up:
				default:
					a.log.Warn("incoming message dropped (channel full)", logx.String("room", roomID))
				}
			}
		}
	}
}

// do performs a homeserver request. Non-2xx responses come back as
// *MatrixError.
func (a *Adapter) do(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}
	var mErr MatrixError
	if jsonErr := json.Unmarshal(raw, &mErr); jsonErr != nil || mErr.Code == "" {
		return nil, fmt.Errorf("unexpected %d response from %s %s", resp.StatusCode, method, path)
	}
	mErr.StatusCode = resp.StatusCode
	return nil, &mErr
}
