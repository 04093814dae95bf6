package dataverse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

// CreateAttributesBatch creates all columns of one table in a single $batch
// request. The columns share one change set, so either all of them are
// created or none are; callers fall back to CreateAttribute on failure.
func (c *Client) CreateAttributesBatch(ctx context.Context, entityLogicalName string, payloads []map[string]any, solutionUniqueName string) error {
	if len(payloads) == 0 {
		return nil
	}
	const op = "create attributes batch"

	body, contentType, err := c.buildChangeSet(http.MethodPost, attributesPath(entityLogicalName), payloads, solutionUniqueName)
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", op, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "$batch", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	respBody, header, err := c.send(ctx, op, req)
	if err != nil {
		return err
	}
	return checkBatchResponse(op, header.Get("Content-Type"), respBody)
}

// buildChangeSet writes a multipart/mixed batch holding one change set with
// one request per body.
func (c *Client) buildChangeSet(method, path string, bodies []map[string]any, solutionUniqueName string) ([]byte, string, error) {
	var changeSet bytes.Buffer
	csw := multipart.NewWriter(&changeSet)
	if err := csw.SetBoundary("changeset_" + uuid.NewString()); err != nil {
		return nil, "", err
	}

	for i, b := range bodies {
		data, err := marshalBody(b)
		if err != nil {
			return nil, "", err
		}
		part, err := csw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"application/http"},
			"Content-Transfer-Encoding": {"binary"},
			"Content-Id":                {fmt.Sprint(i + 1)},
		})
		if err != nil {
			return nil, "", err
		}
		fmt.Fprintf(part, "%s %s/%s HTTP/1.1\r\n", method, c.baseURL, path)
		fmt.Fprint(part, "Content-Type: application/json; charset=utf-8\r\n")
		if solutionUniqueName != "" {
			fmt.Fprintf(part, "MSCRM.SolutionUniqueName: %s\r\n", solutionUniqueName)
		}
		fmt.Fprintf(part, "\r\n%s\r\n", data)
	}
	if err := csw.Close(); err != nil {
		return nil, "", err
	}

	var batch bytes.Buffer
	bw := multipart.NewWriter(&batch)
	if err := bw.SetBoundary("batch_" + uuid.NewString()); err != nil {
		return nil, "", err
	}
	part, err := bw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"multipart/mixed; boundary=" + csw.Boundary()},
	})
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(changeSet.Bytes()); err != nil {
		return nil, "", err
	}
	if err := bw.Close(); err != nil {
		return nil, "", err
	}

	return batch.Bytes(), "multipart/mixed; boundary=" + bw.Boundary(), nil
}

// checkBatchResponse walks a (possibly nested) multipart batch response and
// returns the first failed inner response as *Error.
func checkBatchResponse(op, contentType string, body []byte) error {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return fmt.Errorf("unexpected %s response content type %q", op, contentType)
	}

	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s response: %w", op, err)
		}

		partBody, err := io.ReadAll(part)
		if err != nil {
			return fmt.Errorf("failed to read %s response part: %w", op, err)
		}

		partType := part.Header.Get("Content-Type")
		if strings.HasPrefix(partType, "multipart/") {
			if err := checkBatchResponse(op, partType, partBody); err != nil {
				return err
			}
			continue
		}

		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(partBody)), nil)
		if err != nil {
			return fmt.Errorf("failed to parse %s response part: %w", op, err)
		}
		innerBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return newResponseError(op, resp, innerBody)
		}
	}
}
