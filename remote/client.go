// Package remote talks to an out-of-process model server over JSON/HTTP and
// exposes it as an embedding.EmbeddingModel and a segmenter.Segmenter. Deep
// models such as DINOv2, SAM2 and UniverSeg are served this way.
package remote

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/carbocation/rca/overlay"
	"golang.org/x/time/rate"
)

// Client is a model server client. It is safe for concurrent use. Requests
// carry no timeout of their own; cancel the context to abandon one.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client for the server at baseURL that issues at most
// requestsPerSecond requests (with the given burst). A non-positive rate
// disables limiting.
func NewClient(baseURL string, requestsPerSecond float64, burst int) *Client {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// Tensor is an image on the wire: little-endian float32 values, base64
// encoded by encoding/json.
type Tensor struct {
	Shape    []int  `json:"shape"`
	Channels int    `json:"channels"`
	Data     []byte `json:"data"`
}

// Mask is a label mask on the wire: the run-length encoding of the flat
// label array, base64 encoded by encoding/json.
type Mask struct {
	Shape []int  `json:"shape"`
	RLE   []byte `json:"rle"`
}

type EmbedRequest struct {
	Model string `json:"model"`
	Image Tensor `json:"image"`
}

type EmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

type ExemplarPayload struct {
	ID    string `json:"id"`
	Image Tensor `json:"image"`
	Mask  Mask   `json:"mask"`
}

type SegmentRequest struct {
	Model      string            `json:"model"`
	Config     string            `json:"config,omitempty"`
	Checkpoint string            `json:"checkpoint,omitempty"`
	NClasses   int               `json:"n_classes"`
	ID         string            `json:"id"`
	Image      Tensor            `json:"image"`
	Candidate  *Mask             `json:"candidate,omitempty"`
	Exemplars  []ExemplarPayload `json:"exemplars"`
}

type SegmentResponse struct {
	Mask Mask `json:"mask"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// EncodeImage converts an image to its wire form.
func EncodeImage(img overlay.Image) Tensor {
	pix := img.Pixels()
	data := make([]byte, 4*len(pix))
	for i, v := range pix {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(float32(v)))
	}
	return Tensor{Shape: img.Shape(), Channels: img.Channels(), Data: data}
}

// DecodeImage converts a wire tensor back to an image.
func DecodeImage(t Tensor) (overlay.Image, error) {
	if len(t.Data)%4 != 0 {
		return overlay.Image{}, fmt.Errorf("tensor data has %d bytes, not a multiple of 4", len(t.Data))
	}
	pix := make([]float64, len(t.Data)/4)
	for i := range pix {
		pix[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:])))
	}
	return overlay.NewImage(t.Shape, t.Channels, pix)
}

// EncodeMask converts a label mask to its wire form.
func EncodeMask(m overlay.LabelMask) Mask {
	return Mask{Shape: m.Shape(), RLE: overlay.EncodeMaskRLE(m)}
}

// DecodeMask converts a wire mask back to a label mask.
func DecodeMask(m Mask) (overlay.LabelMask, error) {
	return overlay.DecodeMaskRLE(m.RLE, m.Shape)
}

// post sends body as JSON to path and decodes the JSON reply into out.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			return fmt.Errorf("model server error (%d): %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("model server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
