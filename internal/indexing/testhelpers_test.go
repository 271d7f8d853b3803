package indexing

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testAccessToken = "test-access-token"

// testKey returns a fresh RSA key and its PKCS#8 PEM encoding
func testKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func serviceAccountJSON(t *testing.T, pemKey, tokenURI string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "index-bee-test",
		"private_key_id": "key-1",
		"private_key":    pemKey,
		"client_email":   "indexer@index-bee-test.iam.gserviceaccount.com",
		"token_uri":      tokenURI,
	})
	require.NoError(t, err)
	return data
}

// fakeGoogle serves the token, batch and metadata endpoints
type fakeGoogle struct {
	t      *testing.T
	key    *rsa.PrivateKey
	server *httptest.Server

	mu           sync.Mutex
	tokenCalls   int
	batchCalls   int
	batchURLs    [][]string
	authHeaders  []string
	tokenStatus  int
	batchStatus  int
	failURLs     map[string]int // url -> status code for that part
	dropURLs     map[string]bool
	reverseParts bool
	metadata     map[string]string // url -> JSON body
	assertion    *jwt.Token
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	key, _ := testKey(t)
	f := &fakeGoogle{
		t:        t,
		key:      key,
		failURLs: map[string]int{},
		dropURLs: map[string]bool{},
		metadata: map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/batch", f.handleBatch)
	mux.HandleFunc("/v3/urlNotifications/metadata", f.handleMetadata)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGoogle) accountJSON() []byte {
	der, err := x509.MarshalPKCS8PrivateKey(f.key)
	require.NoError(f.t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	return serviceAccountJSON(f.t, pemKey, f.server.URL+"/token")
}

func (f *fakeGoogle) tokenSource() oauth2.TokenSource {
	sa, err := ParseServiceAccount(f.accountJSON())
	require.NoError(f.t, err)
	return sa.TokenSource(f.server.Client())
}

func (f *fakeGoogle) newClient() *Client {
	c, err := New(f.t.Context(), Config{Endpoint: f.server.URL, Transport: http.DefaultTransport}, f.tokenSource())
	require.NoError(f.t, err)
	return c
}

func (f *fakeGoogle) counts() (tokenCalls, batchCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls, f.batchCalls
}

func (f *fakeGoogle) received() (batches [][]string, auth []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.batchURLs...), append([]string(nil), f.authHeaders...)
}

func (f *fakeGoogle) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokenCalls++
	status := f.tokenStatus
	f.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"Invalid JWT Signature."}`)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
		http.Error(w, "bad grant", http.StatusBadRequest)
		return
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(r.PostForm.Get("assertion"), claims, func(token *jwt.Token) (any, error) {
		return &f.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || claims["scope"] != Scope || claims["aud"] != f.server.URL+"/token" {
		http.Error(w, "bad assertion", http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	f.assertion = token
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, testAccessToken)
}

type batchPart struct {
	contentID string
	url       string
}

func (f *fakeGoogle) handleBatch(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.batchCalls++
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
	status := f.batchStatus
	f.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"batch rejected","status":"UNAVAILABLE"}}`, status)
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		http.Error(w, "expected multipart/mixed", http.StatusBadRequest)
		return
	}

	var parts []batchPart
	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		inner, err := http.ReadRequest(bufio.NewReader(part))
		if err != nil || inner.Method != http.MethodPost || inner.URL.Path != publishPath {
			http.Error(w, "bad inner request", http.StatusBadRequest)
			return
		}
		var body publishRequest
		if err := json.NewDecoder(inner.Body).Decode(&body); err != nil || body.Type != NotificationUpdated {
			http.Error(w, "bad inner body", http.StatusBadRequest)
			return
		}
		parts = append(parts, batchPart{contentID: part.Header.Get("Content-ID"), url: body.URL})
	}

	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		urls = append(urls, p.url)
	}

	f.mu.Lock()
	f.batchURLs = append(f.batchURLs, urls)
	reverse := f.reverseParts
	f.mu.Unlock()

	if reverse {
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)

	for _, p := range parts {
		f.mu.Lock()
		drop := f.dropURLs[p.url]
		code := f.failURLs[p.url]
		f.mu.Unlock()
		if drop {
			continue
		}

		id := strings.Trim(p.contentID, "<>")
		header := make(map[string][]string)
		header["Content-Type"] = []string{"application/http"}
		header["Content-ID"] = []string{"<response-" + id + ">"}
		pw, _ := mw.CreatePart(header)

		if code == 0 {
			payload := fmt.Sprintf(`{"urlNotificationMetadata":{"url":%q,"latestUpdate":{"url":%q,"type":"URL_UPDATED"}}}`, p.url, p.url)
			_, _ = fmt.Fprintf(pw, "HTTP/1.1 200 OK\r\nContent-Type: application/json; charset=UTF-8\r\nContent-Length: %d\r\n\r\n%s", len(payload), payload)
			continue
		}

		payload := fmt.Sprintf(`{"error":{"code":%d,"message":"failed for %s","status":"%s"}}`, code, p.url, statusName(code))
		_, _ = fmt.Fprintf(pw, "HTTP/1.1 %d %s\r\nContent-Type: application/json; charset=UTF-8\r\nContent-Length: %d\r\n\r\n%s", code, http.StatusText(code), len(payload), payload)
	}
	_ = mw.Close()
}

func (f *fakeGoogle) handleMetadata(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	body, ok := f.metadata[r.URL.Query().Get("url")]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`)
		return
	}
	_, _ = io.WriteString(w, body)
}

func statusName(code int) string {
	switch code {
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	default:
		return "INTERNAL"
	}
}
