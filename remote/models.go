package remote

import (
	"context"
	"fmt"

	"github.com/carbocation/rca/overlay"
	"github.com/carbocation/rca/segmenter"
)

// Embedder is an embedding model served by a model server.
type Embedder struct {
	client *Client
	model  string
}

// Embedder returns the server's embedding model called model, e.g.
// "facebook/dinov2-base".
func (c *Client) Embedder(model string) Embedder {
	return Embedder{client: c, model: model}
}

func (e Embedder) Name() string { return e.model }

func (e Embedder) Embed(ctx context.Context, img overlay.Image) ([]float64, error) {
	var resp EmbedResponse
	if err := e.client.post(ctx, "/v1/embed", EmbedRequest{Model: e.model, Image: EncodeImage(img)}, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

// Segmenter is an in-context segmentation model served by a model server.
type Segmenter struct {
	client     *Client
	model      string
	config     string
	checkpoint string
	nClasses   int
}

// Segmenter returns the server's segmentation model called model.
// config and checkpoint are passed through to the server untouched.
func (c *Client) Segmenter(model, config, checkpoint string, nClasses int) Segmenter {
	return Segmenter{client: c, model: model, config: config, checkpoint: checkpoint, nClasses: nClasses}
}

func (s Segmenter) Segment(ctx context.Context, target segmenter.Target, exemplars []segmenter.Exemplar) (overlay.LabelMask, error) {
	req := SegmentRequest{
		Model:      s.model,
		Config:     s.config,
		Checkpoint: s.checkpoint,
		NClasses:   s.nClasses,
		ID:         target.ID,
		Image:      EncodeImage(target.Image),
		Exemplars:  make([]ExemplarPayload, len(exemplars)),
	}
	if target.Candidate != nil {
		m := EncodeMask(*target.Candidate)
		req.Candidate = &m
	}
	for i, e := range exemplars {
		req.Exemplars[i] = ExemplarPayload{ID: e.ID, Image: EncodeImage(e.Image), Mask: EncodeMask(e.Mask)}
	}

	var resp SegmentResponse
	if err := s.client.post(ctx, "/v1/segment", req, &resp); err != nil {
		return overlay.LabelMask{}, err
	}
	return DecodeMask(resp.Mask)
}

// clientFor returns the shared client carried by cfg, or a new one for
// cfg.RemoteURL.
func clientFor(cfg segmenter.Config, model string) (*Client, error) {
	if c, ok := cfg.Client.(*Client); ok && c != nil {
		return c, nil
	}
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("%s runs on a model server; set its URL", model)
	}
	return NewClient(cfg.RemoteURL, cfg.RequestsPerSecond, 1), nil
}

func init() {
	segmenter.Register("sam2", func(cfg segmenter.Config) (segmenter.Segmenter, error) {
		configFile, checkpoint, err := segmenter.SAM2Checkpoint(cfg.ModelConfig)
		if err != nil {
			return nil, err
		}
		client, err := clientFor(cfg, "sam2")
		if err != nil {
			return nil, err
		}
		return client.Segmenter("sam2", configFile, checkpoint, cfg.NClasses), nil
	})

	segmenter.Register("universeg", func(cfg segmenter.Config) (segmenter.Segmenter, error) {
		client, err := clientFor(cfg, "universeg")
		if err != nil {
			return nil, err
		}
		return client.Segmenter("universeg", "", "", cfg.NClasses), nil
	})
}
