package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/clipdeck/backend/internal/models"
)

// HTTPUploadAPI talks to the recording endpoints over HTTP. It mirrors the
// server's wire format: JSON envelope {success,data,error}, multipart chunk
// bodies, the per-session token in the X-Upload-Token header and the user
// JWT as a bearer token.
type HTTPUploadAPI struct {
	BaseURL   string // e.g. "https://host/api"
	AuthToken string // user JWT
	Client    *http.Client
}

// NewHTTPUploadAPI creates a client with a sane default timeout.
func NewHTTPUploadAPI(baseURL, authToken string) *HTTPUploadAPI {
	return &HTTPUploadAPI{
		BaseURL:   baseURL,
		AuthToken: authToken,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (a *HTTPUploadAPI) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+a.AuthToken)
	resp, err := a.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if !env.Success {
		return fmt.Errorf("status %d: %s", resp.StatusCode, env.Error)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (a *HTTPUploadAPI) Init(ctx context.Context) (InitResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/recording/init", nil)
	if err != nil {
		return InitResponse{}, err
	}
	var out InitResponse
	if err := a.do(req, &out); err != nil {
		return InitResponse{}, err
	}
	return out, nil
}

func (a *HTTPUploadAPI) UploadChunk(ctx context.Context, sessionID, token string, index int, part []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("index", fmt.Sprintf("%d", index)); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("chunk", fmt.Sprintf("chunk_%d.part", index))
	if err != nil {
		return err
	}
	if _, err := fw.Write(part); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/recording/%s/chunk", a.BaseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Upload-Token", token)
	return a.do(req, nil)
}

func (a *HTTPUploadAPI) Finish(ctx context.Context, sessionID, token string, lastIndex int, lang string, entries []models.TranscriptEntry) error {
	payload, err := json.Marshal(map[string]interface{}{
		"last_index":         lastIndex,
		"transcript_lang":    lang,
		"transcript_entries": entries,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/recording/%s/finish", a.BaseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Token", token)
	return a.do(req, nil)
}
