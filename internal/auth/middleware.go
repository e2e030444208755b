package auth

import (
	"net/http"
	"strings"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// bypassPaths are the operational endpoints served without authentication.
var bypassPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/docs":         true,
	"/openapi":      true,
	"/openapi.json": true,
	"/openapi.yaml": true,
}

// Middleware enforces SigV4 on every request except the bypass paths. On
// success the resolved owner identity is attached to the request context;
// on failure the S3 error XML is written and the chain stops.
func Middleware(verifier *SigV4Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if bypassPaths[path] || strings.HasPrefix(path, "/docs/") {
				next.ServeHTTP(w, r)
				return
			}

			var (
				cred *metadata.CredentialRecord
				err  error
			)
			switch DetectAuthMethod(r) {
			case "header":
				cred, err = verifier.VerifyRequest(r)
			case "presigned":
				cred, err = verifier.VerifyPresigned(r)
			case "ambiguous":
				err = &AuthError{Code: "AccessDenied", Message: "Only one authentication mechanism is allowed"}
			default:
				err = &AuthError{Code: "AccessDenied", Message: "Missing Authentication Token"}
			}
			if err != nil {
				writeAuthError(w, r, err)
				return
			}

			ctx := contextWithOwner(r.Context(), cred.OwnerID, cred.DisplayName)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError renders an AuthError as its S3 XML equivalent.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	switch authErr.Code {
	case "InvalidAccessKeyId":
		xmlutil.WriteError(w, r, s3err.ErrInvalidAccessKeyID)
	case "SignatureDoesNotMatch":
		xmlutil.WriteError(w, r, s3err.ErrSignatureDoesNotMatch)
	case "RequestTimeTooSkewed":
		xmlutil.WriteError(w, r, s3err.ErrRequestTimeTooSkewed)
	case "ExpiredPresignedUrl":
		xmlutil.WriteError(w, r, s3err.ErrExpiredPresignedURL)
	case "AuthorizationQueryParametersError":
		xmlutil.WriteError(w, r, s3err.ErrAuthorizationQueryParameters.WithMessage(authErr.Message))
	case "InternalError":
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
	default:
		xmlutil.WriteError(w, r, s3err.ErrAccessDenied)
	}
}
