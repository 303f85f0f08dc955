// Package content routes message attachments against a service's declared
// input capabilities. Supported attachments are inlined base64; unsupported
// ones degrade to a text description that always carries enough detail to
// forward the work to a specialized agent.
package content

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/jpeg"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/llm"
)

// maxInlineEdge bounds inline image dimensions; larger images are downscaled
// before base64 encoding to keep request bodies reasonable.
const maxInlineEdge = 1568

// ArtifactStore resolves content-addressed refs to raw bytes. The blob store
// itself is an external collaborator.
type ArtifactStore interface {
	// Fetch returns the blob bytes and MIME type for a ref of the form
	// "artifact:<id>".
	Fetch(ref string) ([]byte, string, error)
}

// Unsupported is the structured form of a dropped attachment, mirrored in
// the text description so downstream systems can parse either.
type Unsupported struct {
	Type        string `json:"type"`
	Ref         string `json:"ref"`
	Filename    string `json:"filename,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Description string `json:"description"`
}

// Processed is the router output for one message payload.
type Processed struct {
	Parts       []llm.ContentPart `json:"parts"`
	Unsupported []Unsupported     `json:"unsupported,omitempty"`
}

// Router partitions attachments by capability.
type Router struct {
	artifacts ArtifactStore
}

func NewRouter(artifacts ArtifactStore) *Router {
	return &Router{artifacts: artifacts}
}

// requiredCap maps an attachment type to the capability a service must
// declare to receive it inline.
func requiredCap(attachmentType string) string {
	switch attachmentType {
	case "image":
		return llm.CapVision
	case "audio":
		return llm.CapAudio
	case "file", "document":
		return llm.CapFile
	default:
		return ""
	}
}

// Route builds the user-side message body for a payload under the given
// capabilities. Text always survives; each attachment is either inlined
// (capability match) or rendered as a description.
func (r *Router) Route(payload bus.Payload, caps llm.Capabilities) Processed {
	var out Processed
	if payload.Text != "" {
		out.Parts = append(out.Parts, llm.ContentPart{Type: "text", Text: payload.Text})
	}

	for _, att := range payload.Attachments {
		cap := requiredCap(att.Type)
		if cap != "" && caps.SupportsInput(cap) {
			part, err := r.inline(att)
			if err == nil {
				out.Parts = append(out.Parts, part)
				continue
			}
			slog.Warn("content.inline_failed", "ref", att.Ref, "type", att.Type, "error", err)
			// Fetch failures degrade to a description rather than dropping.
		}
		u := describe(att)
		out.Unsupported = append(out.Unsupported, u)
		out.Parts = append(out.Parts, llm.ContentPart{Type: "text", Text: u.Description})
	}
	return out
}

// inline fetches the blob and encodes it as a data URL part.
func (r *Router) inline(att bus.Attachment) (llm.ContentPart, error) {
	if r.artifacts == nil {
		return llm.ContentPart{}, fmt.Errorf("no artifact store configured")
	}
	data, mime, err := r.artifacts.Fetch(att.Ref)
	if err != nil {
		return llm.ContentPart{}, fmt.Errorf("fetch %s: %w", att.Ref, err)
	}
	if mime == "" {
		mime = att.MimeType
	}

	if att.Type == "image" {
		if scaled, scaledMime, ok := downscale(data, mime); ok {
			data, mime = scaled, scaledMime
		}
		return llm.ContentPart{
			Type:     "image_url",
			ImageURL: fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)),
			MimeType: mime,
		}, nil
	}
	return llm.ContentPart{
		Type:     "file_url",
		FileURL:  fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)),
		MimeType: mime,
	}, nil
}

// downscale re-encodes images whose longest edge exceeds the inline budget.
// Returns ok=false when the image is small enough or cannot be decoded.
func downscale(data []byte, mime string) ([]byte, string, bool) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", false
	}
	b := img.Bounds()
	if b.Dx() <= maxInlineEdge && b.Dy() <= maxInlineEdge {
		return nil, "", false
	}
	resized := imaging.Fit(img, maxInlineEdge, maxInlineEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", false
	}
	_ = mime
	return buf.Bytes(), "image/jpeg", true
}

// describe renders the text fallback for an attachment. The description
// always contains the ref, type, filename and size when present, and the
// forwarding suggestion.
func describe(att bus.Attachment) Unsupported {
	var b strings.Builder
	fmt.Fprintf(&b, "[附件 %s]", att.Type)
	if att.Filename != "" {
		fmt.Fprintf(&b, " filename=%s", att.Filename)
	}
	if att.Size > 0 {
		fmt.Fprintf(&b, " size=%d", att.Size)
	}
	fmt.Fprintf(&b, " ref=%s", att.Ref)
	b.WriteString(": this content type is not supported by the current model; spawn a specialized agent with a matching capability and forward the ref to process it.")
	return Unsupported{
		Type:        att.Type,
		Ref:         att.Ref,
		Filename:    att.Filename,
		Size:        att.Size,
		Description: b.String(),
	}
}
