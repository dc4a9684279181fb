package blueprint

import (
	"context"
	"errors"
	"net/http"

	"github.com/qrsouther/blueprintsync/internal/confluence"
)

// PageService is the slice of the page API the engine depends on.
// *confluence.Client satisfies it; tests substitute fakes.
type PageService interface {
	GetPage(ctx context.Context, pageID string) (*confluence.Page, error)
	UpdatePage(ctx context.Context, page *confluence.Page) (*confluence.Page, error)
}

// FetchErrorKind classifies a failed page fetch. Each kind carries a
// different downstream policy; only FetchPageDeleted may ever cascade into
// orphaning the placements on that page.
type FetchErrorKind string

const (
	FetchPageDeleted       FetchErrorKind = "page_deleted"
	FetchNotFoundAmbiguous FetchErrorKind = "not_found_ambiguous"
	FetchPermissionDenied  FetchErrorKind = "permission_denied"
	FetchUnauthorized      FetchErrorKind = "unauthorized"
	FetchClientError       FetchErrorKind = "client_error"
	FetchTransient         FetchErrorKind = "transient_failure"
)

// ConfirmsDeletion reports whether the failure is strong enough evidence to
// treat the page's content as gone.
func (k FetchErrorKind) ConfirmsDeletion() bool { return k == FetchPageDeleted }

// FetchResult is the outcome of one classified page fetch.
type FetchResult struct {
	Success    bool
	Page       *confluence.Page
	ErrorKind  FetchErrorKind
	HTTPStatus int
	Err        error
}

// fetchPage retrieves one page and classifies any failure. trust404 decides
// whether a definitive 404 counts as a confirmed deletion; the default
// policy says no, because the remote service answers 404 for pages the
// caller is not allowed to see, which is indistinguishable from a real
// deletion on this side.
func fetchPage(ctx context.Context, pages PageService, pageID string, trust404 bool) FetchResult {
	page, err := pages.GetPage(ctx, pageID)
	if err == nil {
		return FetchResult{Success: true, Page: page}
	}

	var httpErr *confluence.HTTPError
	if !errors.As(err, &httpErr) {
		// Network-level failure with retries already spent.
		return FetchResult{ErrorKind: FetchTransient, Err: err}
	}

	res := FetchResult{HTTPStatus: httpErr.StatusCode, Err: err}
	switch {
	case httpErr.StatusCode == http.StatusNotFound && trust404:
		res.ErrorKind = FetchPageDeleted
	case httpErr.StatusCode == http.StatusNotFound:
		res.ErrorKind = FetchNotFoundAmbiguous
	case httpErr.StatusCode == http.StatusUnauthorized:
		res.ErrorKind = FetchUnauthorized
	case httpErr.StatusCode == http.StatusForbidden:
		res.ErrorKind = FetchPermissionDenied
	case httpErr.StatusCode >= 400 && httpErr.StatusCode < 500:
		res.ErrorKind = FetchClientError
	default:
		res.ErrorKind = FetchTransient
	}
	return res
}
