package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/SidA7MD/iset-sub000/monitor"
)

// REST is the thin client for the collaborator REST surface: login, token
// refresh and the snapshot queries the reconciler seeds itself from. It
// implements TokenRefresher.
type REST struct {
	base       string
	httpClient *http.Client

	token string
}

// NewREST returns a REST client for the given base URL, e.g.
// "http://localhost:3000".
func NewREST(base string) *REST {
	return &REST{
		base:       base,
		httpClient: &http.Client{Timeout: connectTimeout},
	}
}

// Token returns the bearer token of the last successful login or refresh.
func (r *REST) Token() string {
	return r.token
}

// Login exchanges credentials for a bearer token and remembers it.
func (r *REST) Login(ctx context.Context, identity, password string) (string, error) {
	var response struct {
		Token string `json:"token"`
	}
	err := r.post(ctx, "/auth/login", map[string]string{
		"identity": identity,
		"password": password,
	}, &response)
	if err != nil {
		return "", err
	}
	r.token = response.Token
	return response.Token, nil
}

// Refresh implements TokenRefresher. Single shot, no retry; a refresh that
// fails requires a re-login.
func (r *REST) Refresh(ctx context.Context, expired string) (string, error) {
	var response struct {
		Token string `json:"token"`
	}
	err := r.post(ctx, "/auth/refresh", map[string]string{"token": expired}, &response)
	if err != nil {
		return "", err
	}
	r.token = response.Token
	return response.Token, nil
}

// Devices returns the device list for the current identity.
func (r *REST) Devices(ctx context.Context) ([]monitor.Device, error) {
	var devices []monitor.Device
	err := r.get(ctx, "/devices", &devices)
	return devices, err
}

// LatestReading returns the most recent persisted reading of a device, or
// nil without error when the device has none yet.
func (r *REST) LatestReading(ctx context.Context, deviceID string) (*monitor.Reading, error) {
	var reading monitor.Reading
	err := r.get(ctx, "/devices/"+deviceID+"/latest", &reading)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reading, nil
}

// Readings returns up to limit persisted readings of a device, most recent
// first.
func (r *REST) Readings(ctx context.Context, deviceID string, limit int) ([]monitor.Reading, error) {
	var readings []monitor.Reading
	err := r.get(ctx, "/devices/"+deviceID+"/readings?limit="+strconv.Itoa(limit), &readings)
	return readings, err
}

var errNotFound = errors.New("not found")

func (r *REST) post(ctx context.Context, path string, body interface{}, response interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	return r.do(request, response)
}

func (r *REST) get(ctx context.Context, path string, response interface{}) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+path, nil)
	if err != nil {
		return err
	}
	return r.do(request, response)
}

func (r *REST) do(request *http.Request, response interface{}) error {
	if len(r.token) > 0 {
		request.Header.Set("Authorization", "Bearer "+r.token)
	}
	res, err := r.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		message, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return errors.New(res.Status + ": " + string(bytes.TrimSpace(message)))
	}
	if response == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(response)
}
