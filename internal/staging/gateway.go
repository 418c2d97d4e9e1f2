package staging

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"time"
)

var (
	ErrGrantExpired = errors.New("grant expired")
	ErrBadSignature = errors.New("bad grant signature")
)

// Grant is a signed, time-bounded permission to move one object
// through the gateway. The client redeems it against the blob
// endpoint; the signature covers method, key and expiry so none of
// them can be swapped.
type Grant struct {
	Role      string    `json:"role,omitempty"`
	Key       string    `json:"key"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Gateway issues and verifies grants over an ObjectStore.
type Gateway struct {
	store       ObjectStore
	secret      []byte
	uploadTTL   time.Duration
	downloadTTL time.Duration
	maxUpload   int64

	// now is swapped in tests to control expiry.
	now func() time.Time
}

func NewGateway(store ObjectStore, secret string, uploadTTL, downloadTTL time.Duration, maxUpload int64) (*Gateway, error) {
	key := []byte(secret)
	if len(key) == 0 {
		// Ephemeral secret: grants do not survive a restart.
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
	}
	return &Gateway{
		store:       store,
		secret:      key,
		uploadTTL:   uploadTTL,
		downloadTTL: downloadTTL,
		maxUpload:   maxUpload,
		now:         time.Now,
	}, nil
}

// InputKey returns the staging key for one input role of a task.
func InputKey(taskID, role string) string {
	return path.Join("tasks", taskID, "inputs", role)
}

// OutputKey returns the staging key for one output file of a task.
func OutputKey(taskID, name string) string {
	return path.Join("tasks", taskID, "outputs", name)
}

// TaskPrefix is the staging prefix holding everything a task staged.
func TaskPrefix(taskID string) string {
	return path.Join("tasks", taskID)
}

func inputPrefix(taskID string) string {
	return path.Join("tasks", taskID, "inputs")
}

func outputPrefix(taskID string) string {
	return path.Join("tasks", taskID, "outputs")
}

func (g *Gateway) sign(method, key string, expires int64) string {
	mac := hmac.New(sha256.New, g.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *Gateway) grantURL(method, key string, expires int64) string {
	v := url.Values{}
	v.Set("key", key)
	v.Set("expires", strconv.FormatInt(expires, 10))
	v.Set("sig", g.sign(method, key, expires))
	endpoint := "/v1/blobs/download"
	if method == "PUT" {
		endpoint = "/v1/blobs/upload"
	}
	return endpoint + "?" + v.Encode()
}

// UploadTTL reports how long issued upload grants stay valid.
func (g *Gateway) UploadTTL() time.Duration {
	return g.uploadTTL
}

// IssueUploadGrants returns one PUT grant per input role.
func (g *Gateway) IssueUploadGrants(taskID string, roles []string) []Grant {
	expiresAt := g.now().Add(g.uploadTTL)
	expires := expiresAt.Unix()
	grants := make([]Grant, 0, len(roles))
	for _, role := range roles {
		key := InputKey(taskID, role)
		grants = append(grants, Grant{
			Role:      role,
			Key:       key,
			Method:    "PUT",
			URL:       g.grantURL("PUT", key, expires),
			ExpiresAt: expiresAt.UTC(),
		})
	}
	return grants
}

// IssueDownloadGrants returns one GET grant per staged output object.
// An empty slice means the task produced no outputs yet.
func (g *Gateway) IssueDownloadGrants(taskID string) ([]Grant, error) {
	objects, err := g.store.List(outputPrefix(taskID))
	if err != nil {
		return nil, err
	}
	expiresAt := g.now().Add(g.downloadTTL)
	expires := expiresAt.Unix()
	grants := make([]Grant, 0, len(objects))
	for _, obj := range objects {
		grants = append(grants, Grant{
			Key:       obj.Key,
			Method:    "GET",
			URL:       g.grantURL("GET", obj.Key, expires),
			SizeBytes: obj.Size,
			ExpiresAt: expiresAt.UTC(),
		})
	}
	return grants, nil
}

// Verify checks a redeemed grant's signature and expiry. Expiry is
// enforced here, at redemption time, so a leaked grant goes dead on
// schedule regardless of what the client believes.
func (g *Gateway) Verify(method, key string, expires int64, sig string) error {
	want := g.sign(method, key, expires)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return ErrBadSignature
	}
	if g.now().Unix() > expires {
		return ErrGrantExpired
	}
	return nil
}

// Receive stores an uploaded input object.
func (g *Gateway) Receive(key string, r io.Reader) (int64, error) {
	return g.store.Put(key, r, g.maxUpload)
}

// Serve opens a staged object for download.
func (g *Gateway) Serve(key string) (io.ReadCloser, int64, error) {
	return g.store.Get(key)
}

// MissingInputs returns the input roles a task has not staged yet.
func (g *Gateway) MissingInputs(taskID string, roles []string) ([]string, error) {
	var missing []string
	for _, role := range roles {
		ok, err := g.store.Exists(InputKey(taskID, role))
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, role)
		}
	}
	return missing, nil
}

// ReadInput opens one staged input for the runner.
func (g *Gateway) ReadInput(taskID, role string) (io.ReadCloser, int64, error) {
	return g.store.Get(InputKey(taskID, role))
}

// WriteOutput stages a pipeline result and returns its key.
func (g *Gateway) WriteOutput(taskID, name string, r io.Reader) (string, error) {
	key := OutputKey(taskID, name)
	if _, err := g.store.Put(key, r, 0); err != nil {
		return "", err
	}
	return key, nil
}

// DeleteInputs removes a task's staged inputs. Returns objects removed.
func (g *Gateway) DeleteInputs(taskID string) (int, error) {
	return g.store.DeletePrefix(inputPrefix(taskID))
}

// DeleteOutputs removes a task's staged outputs. Returns objects removed.
func (g *Gateway) DeleteOutputs(taskID string) (int, error) {
	return g.store.DeletePrefix(outputPrefix(taskID))
}

// DeleteAll removes everything a task staged. Returns objects removed.
func (g *Gateway) DeleteAll(taskID string) (int, error) {
	return g.store.DeletePrefix(TaskPrefix(taskID))
}
