package profile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/ghosty/chat-app/internal/logger"
	"github.com/ghosty/chat-app/internal/matching"
	"go.uber.org/zap"
)

// ErrVerifierUnavailable is returned when the classifier failed twice.
var ErrVerifierUnavailable = errors.New("profile: verification service unavailable")

// Classification is the classifier's answer for one image.
type Classification struct {
	Gender     matching.Gender `json:"gender"`
	Confidence float64         `json:"confidence"`
}

// Classifier turns an image into a gender classification.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (Classification, error)
}

// HTTPClassifier posts the image as multipart form data to an external
// classification service. A failed call is retried once.
type HTTPClassifier struct {
	url    string
	client *http.Client
	log    *zap.SugaredLogger
}

// NewHTTPClassifier creates a classifier calling url with a 5s timeout.
func NewHTTPClassifier(url string) *HTTPClassifier {
	return &HTTPClassifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    logger.Named("verify"),
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, image []byte) (Classification, error) {
	res, err := c.post(ctx, image, "upload.jpg")
	if err == nil {
		return res, nil
	}
	c.log.Warnw("classifier attempt failed, retrying", "error", err)

	res, err = c.post(ctx, image, "retry.jpg")
	if err != nil {
		c.log.Errorw("classifier retry failed", "error", err)
		return Classification{}, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	return res, nil
}

func (c *HTTPClassifier) post(ctx context.Context, image []byte, filename string) (Classification, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return Classification{}, err
	}
	if _, err := part.Write(image); err != nil {
		return Classification{}, err
	}
	if err := w.Close(); err != nil {
		return Classification{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return Classification{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return Classification{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Classification{}, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}

	var out Classification
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Classification{}, fmt.Errorf("decode response: %w", err)
	}
	if _, ok := matching.ParseGender(string(out.Gender)); !ok {
		return Classification{}, fmt.Errorf("unexpected gender %q", out.Gender)
	}
	return out, nil
}

// VerifyResult is returned to the client after a successful verification.
type VerifyResult struct {
	Verified   bool            `json:"verified"`
	Gender     matching.Gender `json:"gender"`
	Confidence float64         `json:"confidence"`
	UserHash   string          `json:"userHash"`
}

// Verify classifies image and marks the profile verified with the result.
// The image is not retained.
func (p *Provider) Verify(ctx context.Context, c Classifier, prof *Profile, image []byte) (VerifyResult, error) {
	res, err := c.Classify(ctx, image)
	if err != nil {
		return VerifyResult{}, err
	}

	sum := sha256.Sum256([]byte(prof.DeviceID + strconv.FormatInt(time.Now().UnixNano(), 10)))
	hash := hex.EncodeToString(sum[:])
	if err := p.store.MarkVerified(ctx, prof.ID, res.Gender, hash); err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{
		Verified:   true,
		Gender:     res.Gender,
		Confidence: res.Confidence,
		UserHash:   hash,
	}, nil
}
