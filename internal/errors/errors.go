// Package errors defines the S3 error taxonomy used across BleepStore.
//
// Every recognized failure is a value of S3Error carrying the S3 error code,
// a client-facing message, and the HTTP status. Handlers raise these values
// at the point of detection; the single XML translation site lives in
// xmlutil.WriteError. Anything that is not an *S3Error renders as
// InternalError.
package errors

import (
	stderrors "errors"
	"fmt"
)

// S3Error is an S3 API error. ExtraFields, when set, are emitted as
// additional elements in the XML error body (e.g. BucketName, UploadId).
type S3Error struct {
	Code        string
	Message     string
	HTTPStatus  int
	ExtraFields map[string]string
}

func (e *S3Error) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithExtra returns a copy of e with one extra XML field set. The receiver
// is never mutated, so the predefined errors below stay shareable.
func (e *S3Error) WithExtra(key, value string) *S3Error {
	cp := *e
	cp.ExtraFields = make(map[string]string, len(e.ExtraFields)+1)
	for k, v := range e.ExtraFields {
		cp.ExtraFields[k] = v
	}
	cp.ExtraFields[key] = value
	return &cp
}

// WithMessage returns a copy of e with a more specific message.
func (e *S3Error) WithMessage(msg string) *S3Error {
	cp := *e
	cp.Message = msg
	return &cp
}

// FromError unwraps err to an *S3Error if one is in the chain.
func FromError(err error) (*S3Error, bool) {
	var s3e *S3Error
	if stderrors.As(err, &s3e) {
		return s3e, true
	}
	return nil, false
}

func s3err(code, message string, status int) *S3Error {
	return &S3Error{Code: code, Message: message, HTTPStatus: status}
}

// Request-shape errors.
var (
	ErrInvalidBucketName            = s3err("InvalidBucketName", "The specified bucket is not valid.", 400)
	ErrInvalidArgument              = s3err("InvalidArgument", "Invalid Argument", 400)
	ErrMalformedXML                 = s3err("MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", 400)
	ErrMalformedACL                 = s3err("MalformedACLError", "The XML you provided was not well-formed or did not validate against our published schema.", 400)
	ErrInvalidRange                 = s3err("InvalidRange", "The requested range is not satisfiable", 416)
	ErrKeyTooLong                   = s3err("KeyTooLongError", "Your key is too long", 400)
	ErrInvalidDigest                = s3err("InvalidDigest", "The Content-MD5 you specified is not valid.", 400)
	ErrBadDigest                    = s3err("BadDigest", "The Content-MD5 you specified did not match what we received.", 400)
	ErrIncompleteBody               = s3err("IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header", 400)
	ErrMissingContentLength         = s3err("MissingContentLength", "You must provide the Content-Length HTTP header.", 411)
	ErrMissingRequestBody           = s3err("MissingRequestBodyError", "Request body is empty.", 400)
	ErrInvalidLocationConstraint    = s3err("InvalidLocationConstraint", "The specified location constraint is not valid.", 400)
	ErrAuthorizationQueryParameters = s3err("AuthorizationQueryParametersError", "Query-string authentication parameters are malformed or out of range.", 400)
)

// Auth errors.
var (
	ErrAccessDenied          = s3err("AccessDenied", "Access Denied", 403)
	ErrSignatureDoesNotMatch = s3err("SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided. Check your key and signing method.", 403)
	ErrInvalidAccessKeyID    = s3err("InvalidAccessKeyId", "The AWS access key Id you provided does not exist in our records.", 403)
	ErrRequestTimeTooSkewed  = s3err("RequestTimeTooSkewed", "The difference between the request time and the server's time is too large.", 403)
	ErrExpiredPresignedURL   = s3err("ExpiredPresignedUrl", "The presigned URL has expired.", 400)
)

// Resource errors.
var (
	ErrNoSuchBucket            = s3err("NoSuchBucket", "The specified bucket does not exist", 404)
	ErrNoSuchKey               = s3err("NoSuchKey", "The specified key does not exist.", 404)
	ErrNoSuchUpload            = s3err("NoSuchUpload", "The specified upload does not exist. The upload ID may be invalid, or the upload may have been aborted or completed.", 404)
	ErrBucketNotEmpty          = s3err("BucketNotEmpty", "The bucket you tried to delete is not empty", 409)
	ErrBucketAlreadyExists     = s3err("BucketAlreadyExists", "The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again.", 409)
	ErrBucketAlreadyOwnedByYou = s3err("BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", 409)
	ErrPreconditionFailed      = s3err("PreconditionFailed", "At least one of the pre-conditions you specified did not hold", 412)
)

// Multipart errors.
var (
	ErrInvalidPart      = s3err("InvalidPart", "One or more of the specified parts could not be found. The part may not have been uploaded, or the specified entity tag may not match the part's entity tag.", 400)
	ErrInvalidPartOrder = s3err("InvalidPartOrder", "The list of parts was not in ascending order. Parts list must be specified in order by part number.", 400)
	ErrEntityTooSmall   = s3err("EntityTooSmall", "Your proposed upload is smaller than the minimum allowed object size. Each part must be at least 5 MB in size, except the last part.", 400)
	ErrEntityTooLarge   = s3err("EntityTooLarge", "Your proposed upload exceeds the maximum allowed object size.", 400)
)

// Server errors.
var (
	ErrInternalError      = s3err("InternalError", "We encountered an internal error. Please try again.", 500)
	ErrNotImplemented     = s3err("NotImplemented", "A header you provided implies functionality that is not implemented.", 501)
	ErrMethodNotAllowed   = s3err("MethodNotAllowed", "The specified method is not allowed against this resource.", 405)
	ErrServiceUnavailable = s3err("ServiceUnavailable", "Please reduce your request rate.", 503)
)
