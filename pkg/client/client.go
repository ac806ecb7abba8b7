// Package client is a thin wrapper over lapsd's HTTP API for CLI usage,
// the HTTP-Basic-auth analogue of the teacher's mTLS gRPC client.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/LAPS-Group/laps/pkg/types"
)

// Client talks to a single lapsd instance.
type Client struct {
	addr     string
	user     string
	password string
	http     *http.Client
}

// New builds a Client. user/password are only required for admin routes;
// pass empty strings for read-only use against public routes.
func New(addr, user, password string) *Client {
	return &Client{
		addr:     addr,
		user:     user,
		password: password,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) url(path string) string {
	return "http://" + c.addr + path
}

func (c *Client) do(req *http.Request, admin bool) (*http.Response, error) {
	if admin {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	return resp, nil
}

// UploadMap uploads a GeoTIFF and returns the new map ID.
func (c *Client) UploadMap(fileName string, data []byte) (int64, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("data", fileName)
	if err != nil {
		return 0, err
	}
	if _, err := fw.Write(data); err != nil {
		return 0, err
	}
	if err := mw.Close(); err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, c.url("/map"), &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req, true)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode upload response: %w", err)
	}
	return out.ID, nil
}

// ListMaps returns every live map ID.
func (c *Client) ListMaps() ([]int64, error) {
	req, err := http.NewRequest(http.MethodGet, c.url("/maps"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Maps []int64 `json:"maps"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return out.Maps, nil
}

// DeleteMap removes a map.
func (c *Client) DeleteMap(id int64) error {
	req, err := http.NewRequest(http.MethodDelete, c.url(fmt.Sprintf("/map/%d", id)), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, true)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ModuleView mirrors pkg/api's moduleView JSON shape.
type ModuleView struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// UploadModule uploads and builds a module, starting it on success.
func (c *Client) UploadModule(name, version string, tarBytes []byte) (ModuleView, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("name", name); err != nil {
		return ModuleView{}, err
	}
	if err := mw.WriteField("version", version); err != nil {
		return ModuleView{}, err
	}
	fw, err := mw.CreateFormFile("module", "module.tar")
	if err != nil {
		return ModuleView{}, err
	}
	if _, err := fw.Write(tarBytes); err != nil {
		return ModuleView{}, err
	}
	if err := mw.Close(); err != nil {
		return ModuleView{}, err
	}

	req, err := http.NewRequest(http.MethodPost, c.url("/module"), &buf)
	if err != nil {
		return ModuleView{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req, true)
	if err != nil {
		return ModuleView{}, err
	}
	defer resp.Body.Close()

	var out ModuleView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ModuleView{}, fmt.Errorf("decode module response: %w", err)
	}
	return out, nil
}

// ListModules returns every registered module.
func (c *Client) ListModules() ([]ModuleView, error) {
	req, err := http.NewRequest(http.MethodGet, c.url("/module/all"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []ModuleView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode modules response: %w", err)
	}
	return out, nil
}

func (c *Client) moduleAction(method, name, version, action string) error {
	path := fmt.Sprintf("/module/%s/%s", url.PathEscape(name), url.PathEscape(version))
	if action != "" {
		path += "/" + action
	}
	req, err := http.NewRequest(method, c.url(path), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, true)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// StopModule stops a module's container.
func (c *Client) StopModule(name, version string) error {
	return c.moduleAction(http.MethodPost, name, version, "stop")
}

// RestartModule restarts a module's container.
func (c *Client) RestartModule(name, version string) error {
	return c.moduleAction(http.MethodPost, name, version, "restart")
}

// DeleteModule removes a module entirely.
func (c *Client) DeleteModule(name, version string) error {
	return c.moduleAction(http.MethodDelete, name, version, "")
}

// ModuleLogs fetches the tail of a module's container output.
func (c *Client) ModuleLogs(name, version string) (string, error) {
	path := fmt.Sprintf("/module/%s/%s/logs", url.PathEscape(name), url.PathEscape(version))
	req, err := http.NewRequest(http.MethodGet, c.url(path), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// SubmitJob submits a pathfinding job and returns its token.
func (c *Client) SubmitJob(mapID int64, algorithm types.ModuleKey, start, stop types.Point) (string, error) {
	payload, err := json.Marshal(struct {
		MapID     int64           `json:"map_id"`
		Algorithm types.ModuleKey `json:"algorithm"`
		Start     types.Point     `json:"start"`
		Stop      types.Point     `json:"stop"`
	}{mapID, algorithm, start, stop})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, c.url("/job"), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	return out.Token, nil
}

// AwaitJob long-polls for a job's terminal result, waiting up to wait.
// A nil result with a nil error means the job is still pending.
func (c *Client) AwaitJob(token string, wait time.Duration) (*types.JobResult, error) {
	q := ""
	if wait > 0 {
		q = fmt.Sprintf("?wait=%d", int(wait.Seconds()))
	}
	req, err := http.NewRequest(http.MethodGet, c.url("/job/"+token+q), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}
	var out types.JobResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}
	return &out, nil
}
