package service

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/shinyyama/farm-market-backend/internal/model"
)

const (
	MaxTextLength     = 4000
	MaxImageURLLength = 2048
)

// Content is a validated message body. Only TextContent and ImageContent exist.
type Content interface {
	Kind() model.MessageKind
	Body() string
}

type TextContent struct{ Text string }

func (c TextContent) Kind() model.MessageKind { return model.MessageKindText }
func (c TextContent) Body() string            { return c.Text }

// ImageContent references an uploaded image by absolute http(s) URL.
type ImageContent struct{ URL string }

func (c ImageContent) Kind() model.MessageKind { return model.MessageKindImage }
func (c ImageContent) Body() string            { return c.URL }

// ParseContent normalizes an untyped (kind, body) pair from the wire.
func ParseContent(kind, body string) (Content, error) {
	k, err := model.ParseMessageKind(strings.TrimSpace(kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !utf8.ValidString(body) {
		return nil, fmt.Errorf("%w: content is not valid utf-8", ErrInvalidMessage)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	switch k {
	case model.MessageKindImage:
		if len(body) > MaxImageURLLength {
			return nil, fmt.Errorf("%w: image url exceeds %d bytes", ErrInvalidMessage, MaxImageURLLength)
		}
		u, err := url.Parse(body)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: image content must be an http(s) url", ErrInvalidMessage)
		}
		return ImageContent{URL: body}, nil
	default:
		if utf8.RuneCountInString(body) > MaxTextLength {
			return nil, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, MaxTextLength)
		}
		return TextContent{Text: body}, nil
	}
}
