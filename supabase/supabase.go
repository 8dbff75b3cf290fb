package supabase

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	supa "github.com/nedpals/supabase-go"
)

const (
	supabaseUploadTimeout = time.Second * 10
)

var ErrTimeout = errors.New("timed out")

// Client provides an interface onto the Supabase platform.
// It hides the underlying open source supabase library and adds reconnection and timeout logic.
type Client struct {
	url     string
	anonKey string
	userKey string
	schema  string
	timeout time.Duration

	mu              sync.Mutex
	subClient       *supa.Client // the raw client of the underlying supabase library we are using
	shouldReconnect bool         // when true, the subClient is 'dirty' and will be re-created next time a write call is made
	logger          *slog.Logger
}

func New(url, anonKey, userKey, schema string) (*Client, error) {
	if url == "" {
		return nil, errors.New("supabase url must be supplied")
	}
	client := &Client{
		url:             url,
		anonKey:         anonKey,
		userKey:         userKey,
		schema:          schema,
		timeout:         supabaseUploadTimeout,
		shouldReconnect: true, // so the connection will be made lazily on the first upload
		logger:          slog.Default().With("host", url),
	}

	return client, nil
}

// Upload inserts `rows` (a slice of JSON encodable structs) into the given table.
func (c *Client) Upload(table string, rows interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reconnectIfNeccesary()
	subClient := c.subClient

	// The supabase client library doesn't have good timeout support, so here we wrap the call in a timeout
	errCh := make(chan error, 1)
	go func() {
		errCh <- subClient.DB.From(table).Insert(rows).Execute(nil)
	}()

	select {
	case <-time.After(c.timeout):
		c.setShouldReconnect()
		return fmt.Errorf("insert into %s: %w", table, ErrTimeout)
	case err := <-errCh:
		if err != nil {
			c.setShouldReconnect()
			return fmt.Errorf("insert into %s: %w", table, err)
		}
		return nil
	}
}

// createSubClient creates the open-source supabase library client with the schema and user headers set.
func (c *Client) createSubClient() {

	subClient := supa.CreateClient(c.url, c.anonKey)

	// The supabase client library doesn't have a fully featured interface, here we specify options directly by
	// adding headers to the postgrest requests.
	if c.schema != "" {
		subClient.DB.AddHeader("Accept-Profile", c.schema)
		subClient.DB.AddHeader("Content-Profile", c.schema)
	}

	// Use a user JWT:
	if c.userKey != "" {
		subClient.DB.AddHeader("Authorization", fmt.Sprintf("Bearer %s", c.userKey))
	}

	c.subClient = subClient
}

// setShouldReconnect is called after a failed upload so the next one starts from a fresh client.
func (c *Client) setShouldReconnect() {
	c.shouldReconnect = true
}

func (c *Client) reconnectIfNeccesary() {
	if !c.shouldReconnect {
		return
	}

	c.createSubClient()
	c.shouldReconnect = false

	c.logger.Info("Created supabase client")
}
