package dynamics

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/google/uuid"

	"github.com/custodia-labs/d365-sync/internal/connectors/microsoft"
	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

// MaxBatchRequests is the service limit on sub-requests per $batch.
const MaxBatchRequests = 1000

// Batch executes read sub-requests in one $batch call. Responses keep
// request order and carry per sub-request status; a failed sub-request
// never fails the call.
func (c *Client) Batch(ctx context.Context, requests []domain.BatchRequest) ([]domain.BatchResponse, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	if len(requests) > MaxBatchRequests {
		return nil, fmt.Errorf("%w: %d sub-requests exceeds %d", domain.ErrInvalidInput, len(requests), MaxBatchRequests)
	}

	boundary := "batch_" + uuid.NewString()
	payload, err := c.encodeBatch(boundary, requests)
	if err != nil {
		return nil, err
	}
	target := c.Endpoint() + "$batch"
	logger.Debug("odata: POST %s (%d sub-requests)", target, len(requests))

	body, header, err := c.do(ctx, "odata batch", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		setODataHeaders(req.Header, domain.QueryOptions{})
		req.Header.Set("Prefer", req.Header.Get("Prefer")+",odata.continue-on-error")
		req.Header.Set("Content-Type", "multipart/mixed;boundary="+boundary)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	responses, err := parseBatchResponse(header.Get("Content-Type"), body)
	if err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	if len(responses) > len(requests) {
		return nil, fmt.Errorf("batch returned %d responses for %d requests", len(responses), len(requests))
	}
	// A service that stops at the first failure leaves later slots unanswered.
	for i := len(responses); i < len(requests); i++ {
		responses = append(responses, domain.BatchResponse{Err: &domain.QueryError{
			Kind: domain.QueryUnavailable,
			Err:  fmt.Errorf("sub-request %d not answered by the service", i),
		}})
	}
	return responses, nil
}

func (c *Client) encodeBatch(boundary string, requests []domain.BatchRequest) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(boundary); err != nil {
		return nil, err
	}

	for i, r := range requests {
		method := r.Method
		if method == "" {
			method = http.MethodGet
		}
		if method != http.MethodGet {
			return nil, fmt.Errorf("%w: batch sub-request %d: only GET is supported", domain.ErrInvalidInput, i)
		}
		target := c.Endpoint() + strings.TrimPrefix(r.Path, "/")

		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"application/http"},
			"Content-Transfer-Encoding": {"binary"},
		})
		if err != nil {
			return nil, err
		}

		h := http.Header{}
		setODataHeaders(h, domain.QueryOptions{})
		for k, vs := range r.Header {
			h[k] = vs
		}
		fmt.Fprintf(part, "%s %s HTTP/1.1\r\n", method, target)
		if err := h.Write(part); err != nil {
			return nil, err
		}
		if _, err := io.WriteString(part, "\r\n"); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parseBatchResponse reads a multipart/mixed batch body. Change sets
// (nested multipart parts) are flattened in order.
func parseBatchResponse(contentType string, body []byte) ([]domain.BatchResponse, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, fmt.Errorf("unexpected content type %q", contentType)
	}

	var out []domain.BatchResponse
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}

		partType := part.Header.Get("Content-Type")
		if strings.HasPrefix(partType, "multipart/") {
			nested, err := io.ReadAll(part)
			if err != nil {
				return nil, err
			}
			inner, err := parseBatchResponse(partType, nested)
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)
			continue
		}

		resp, err := http.ReadResponse(bufio.NewReader(part), nil)
		if err != nil {
			return nil, fmt.Errorf("read sub-response %d: %w", len(out), err)
		}
		subBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		out = append(out, domain.BatchResponse{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   subBody,
			Err:    microsoft.WrapError(resp.StatusCode, subBody),
		})
	}
}
