package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// FileCodec is implemented by codecs whose backend takes images as separate
// uploads referenced by id from the request body instead of inline data.
// [Downloader] uploads the images of the last user message before opening
// the stream.
type FileCodec interface {
	Codec

	// UploadURL derives the upload endpoint from the streaming endpoint.
	UploadURL(endpoint string) (string, error)

	// DecodeUpload returns the file id from an upload response body.
	DecodeUpload(body []byte) (string, error)

	// EncodeRequestWithFiles renders the request body referencing fileIDs.
	EncodeRequestWithFiles(req llm.CompletionRequest, fileIDs []string) ([]byte, error)
}

// lastUserImages returns the images of the newest user message.
func lastUserImages(req llm.CompletionRequest) []llm.Image {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Images
		}
	}
	return nil
}

// encode renders the request body, uploading images first when the codec
// needs that.
func (d *Downloader) encode(ctx context.Context, req llm.CompletionRequest) ([]byte, error) {
	fc, ok := d.codec.(FileCodec)
	if !ok {
		return d.codec.EncodeRequest(req)
	}
	images := lastUserImages(req)
	if len(images) == 0 {
		return fc.EncodeRequestWithFiles(req, nil)
	}
	url, err := fc.UploadURL(d.endpoint)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(images))
	for i, img := range images {
		id, err := d.upload(ctx, fc, url, img, req.User)
		if err != nil {
			return nil, fmt.Errorf("upload image %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return fc.EncodeRequestWithFiles(req, ids)
}

// upload posts img as a multipart "file" part and returns the backend's id.
func (d *Downloader) upload(ctx context.Context, fc FileCodec, url string, img llm.Image, user string) (string, error) {
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="capture%s"`, imageExt(mimeType)))
	h.Set("Content-Type", mimeType)
	fw, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(img.Data); err != nil {
		return "", err
	}
	if user != "" {
		if err := mw.WriteField("user", user); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	d.authorize(httpReq)
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", parseAPIError(resp.StatusCode, data)
	}
	return fc.DecodeUpload(data)
}

func imageExt(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}
