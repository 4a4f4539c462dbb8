package model

import (
	"errors"
	"fmt"
)

type FetchStrategy int

const (
	Direct FetchStrategy = iota
	HeadlessBrowser
	BypassService
	Archive
)

func (fs FetchStrategy) String() string {
	return [...]string{"direct", "headless browser", "bypass service", "archive"}[fs]
}

// FetchRequest is issued once per page and never changed afterwards.
type FetchRequest struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Render      bool   `json:"render"`
}

// Page is a successfully fetched document.
type Page struct {
	URL        string
	FinalURL   string
	Body       []byte
	StatusCode int
	Strategy   FetchStrategy
	FromCache  bool
}

// Document returns the page as extractor input.
func (p *Page) Document() Document {
	u := p.FinalURL
	if u == "" {
		u = p.URL
	}
	return Document{URL: u, Body: p.Body}
}

// Document is the input of an extractor.
type Document struct {
	URL  string
	Body []byte
}

type FailureKind int

const (
	NetworkError FailureKind = iota + 1
	Blocked
	NotFound
	ServiceError
)

func (k FailureKind) String() string {
	switch k {
	case NetworkError:
		return "network_error"
	case Blocked:
		return "blocked"
	case NotFound:
		return "not_found"
	case ServiceError:
		return "service_error"
	default:
		return "unknown"
	}
}

// FetchError is the failure side of a fetch attempt.
type FetchError struct {
	Kind       FailureKind
	Retriable  bool
	StatusCode int
	URL        string
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func NewFetchError(kind FailureKind, retriable bool, url, message string, err error) *FetchError {
	return &FetchError{Kind: kind, Retriable: retriable, URL: url, Message: message, Err: err}
}

// IsRetriable reports whether err is a FetchError marked retriable.
func IsRetriable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retriable
}

// KindOf returns the failure kind of err, or 0 if err is not a FetchError.
func KindOf(err error) FailureKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
