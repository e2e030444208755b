// Package handlers implements the S3 REST operations: bucket CRUD, object
// reads and writes with conditional and range support, multipart uploads,
// and ACLs. The server package routes requests here after authentication
// and the common response headers have been applied.
package handlers

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bleepstore/bleepstore/internal/auth"
	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

const (
	maxKeyLength   = 1024
	maxPartNumber  = 10000
	minPartSize    = 5 * 1024 * 1024
	maxListResults = 1000
	maxBatchDelete = 1000

	defaultContentType  = "application/octet-stream"
	defaultStorageClass = "STANDARD"

	allUsersGroup           = "http://acs.amazonaws.com/groups/global/AllUsers"
	authenticatedUsersGroup = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
)

var (
	bucketNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
	ipv4RE       = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
)

// validateBucketName applies the DNS-style bucket naming rules: 3-63
// characters of lowercase letters, digits, dots, and hyphens, starting and
// ending alphanumeric, not shaped like an IPv4 address, and free of the
// reserved prefixes and suffixes.
func validateBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if !bucketNameRE.MatchString(name) {
		return false
	}
	if ipv4RE.MatchString(name) {
		return false
	}
	if strings.HasPrefix(name, "xn--") {
		return false
	}
	if strings.HasSuffix(name, "-s3alias") || strings.HasSuffix(name, "--ol-s3") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}

// validateObjectKey checks a key against the storage rules: non-empty,
// valid UTF-8 of at most 1024 bytes, and no control characters.
func validateObjectKey(key string) *s3err.S3Error {
	if key == "" {
		return s3err.ErrInvalidArgument.WithMessage("Object key must not be empty.")
	}
	if len(key) > maxKeyLength {
		return s3err.ErrKeyTooLong.
			WithExtra("MaxSizeAllowed", strconv.Itoa(maxKeyLength)).
			WithExtra("Size", strconv.Itoa(len(key)))
	}
	if !utf8.ValidString(key) {
		return s3err.ErrInvalidArgument.WithMessage("Object key must be valid UTF-8.")
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return s3err.ErrInvalidArgument.WithMessage("Object key contains unsupported control characters.")
		}
	}
	return nil
}

// requestOwner resolves the acting identity for a request: the
// authenticated credential's owner when auth ran, otherwise the server's
// configured identity.
func requestOwner(r *http.Request, fallbackID, fallbackDisplay string) (string, string) {
	if id, display := auth.OwnerFromContext(r.Context()); id != "" {
		return id, display
	}
	return fallbackID, fallbackDisplay
}

// requireBucket loads the bucket record or writes NoSuchBucket.
func requireBucket(w http.ResponseWriter, r *http.Request, meta metadata.Store, bucket string) (*metadata.BucketRecord, bool) {
	rec, err := meta.GetBucket(r.Context(), bucket)
	if err != nil {
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return nil, false
	}
	if rec == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchBucket.WithExtra("BucketName", bucket))
		return nil, false
	}
	return rec, true
}

// privateACL is the owner-gets-everything default policy.
func privateACL(owner xmlutil.Owner) *xmlutil.AccessControlPolicy {
	return &xmlutil.AccessControlPolicy{
		Owner: owner,
		AccessControlList: xmlutil.ACL{Grants: []xmlutil.Grant{{
			Grantee:    xmlutil.Grantee{Type: "CanonicalUser", ID: owner.ID, DisplayName: owner.DisplayName},
			Permission: "FULL_CONTROL",
		}}},
	}
}

// cannedACL expands an x-amz-acl value into a full policy. The second
// return is false for values we do not recognize.
func cannedACL(name string, owner xmlutil.Owner) (*xmlutil.AccessControlPolicy, bool) {
	policy := privateACL(owner)
	grant := func(uri, permission string) {
		policy.AccessControlList.Grants = append(policy.AccessControlList.Grants, xmlutil.Grant{
			Grantee:    xmlutil.Grantee{Type: "Group", URI: uri},
			Permission: permission,
		})
	}
	switch name {
	case "", "private":
	case "public-read":
		grant(allUsersGroup, "READ")
	case "public-read-write":
		grant(allUsersGroup, "READ")
		grant(allUsersGroup, "WRITE")
	case "authenticated-read":
		grant(authenticatedUsersGroup, "READ")
	default:
		return nil, false
	}
	return policy, true
}

var grantHeaderPermissions = []struct {
	header     string
	permission string
}{
	{"x-amz-grant-full-control", "FULL_CONTROL"},
	{"x-amz-grant-read", "READ"},
	{"x-amz-grant-write", "WRITE"},
	{"x-amz-grant-read-acp", "READ_ACP"},
	{"x-amz-grant-write-acp", "WRITE_ACP"},
}

func hasGrantHeaders(r *http.Request) bool {
	for _, gh := range grantHeaderPermissions {
		if r.Header.Get(gh.header) != "" {
			return true
		}
	}
	return false
}

// parseGrantHeaders builds a policy from the x-amz-grant-* headers. Each
// header holds comma-separated grantees of the form id="..." or uri="...".
func parseGrantHeaders(r *http.Request, owner xmlutil.Owner) (*xmlutil.AccessControlPolicy, *s3err.S3Error) {
	policy := &xmlutil.AccessControlPolicy{Owner: owner}
	for _, gh := range grantHeaderPermissions {
		raw := r.Header.Get(gh.header)
		if raw == "" {
			continue
		}
		for _, clause := range strings.Split(raw, ",") {
			clause = strings.TrimSpace(clause)
			if clause == "" {
				continue
			}
			kind, value, ok := strings.Cut(clause, "=")
			if !ok {
				return nil, s3err.ErrInvalidArgument.
					WithExtra("ArgumentName", gh.header).
					WithExtra("ArgumentValue", clause)
			}
			value = strings.Trim(strings.TrimSpace(value), `"`)
			var grantee xmlutil.Grantee
			switch strings.TrimSpace(kind) {
			case "id":
				grantee = xmlutil.Grantee{Type: "CanonicalUser", ID: value}
			case "uri":
				grantee = xmlutil.Grantee{Type: "Group", URI: value}
			default:
				return nil, s3err.ErrInvalidArgument.
					WithExtra("ArgumentName", gh.header).
					WithExtra("ArgumentValue", clause)
			}
			policy.AccessControlList.Grants = append(policy.AccessControlList.Grants, xmlutil.Grant{
				Grantee:    grantee,
				Permission: gh.permission,
			})
		}
	}
	return policy, nil
}

// requestACL resolves the ACL for a newly written resource from the
// x-amz-acl or x-amz-grant-* headers. A canned ACL wins when both are
// present; neither means private.
func requestACL(r *http.Request, owner xmlutil.Owner) (json.RawMessage, *s3err.S3Error) {
	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		policy, ok := cannedACL(canned, owner)
		if !ok {
			return nil, s3err.ErrInvalidArgument.
				WithExtra("ArgumentName", "x-amz-acl").
				WithExtra("ArgumentValue", canned)
		}
		return aclToJSON(policy), nil
	}
	if hasGrantHeaders(r) {
		policy, s3e := parseGrantHeaders(r, owner)
		if s3e != nil {
			return nil, s3e
		}
		return aclToJSON(policy), nil
	}
	return aclToJSON(privateACL(owner)), nil
}

// aclToJSON serializes a policy for catalog storage. The catalog treats
// ACLs as opaque blobs; only these helpers interpret them.
func aclToJSON(policy *xmlutil.AccessControlPolicy) json.RawMessage {
	raw, err := json.Marshal(policy)
	if err != nil {
		return nil
	}
	return raw
}

// aclFromJSON deserializes a stored policy, falling back to owner-private
// when the record predates ACL support or fails to parse.
func aclFromJSON(raw json.RawMessage, owner xmlutil.Owner) *xmlutil.AccessControlPolicy {
	if len(raw) == 0 {
		return privateACL(owner)
	}
	var policy xmlutil.AccessControlPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return privateACL(owner)
	}
	if policy.Owner.ID == "" {
		policy.Owner = owner
	}
	return &policy
}

// normalizeGranteeTypes fills in grantee types a client omitted from a PUT
// acl body, inferring Group from a URI and CanonicalUser from an ID.
func normalizeGranteeTypes(policy *xmlutil.AccessControlPolicy) {
	for i := range policy.AccessControlList.Grants {
		g := &policy.AccessControlList.Grants[i].Grantee
		if g.Type != "" {
			continue
		}
		if g.URI != "" {
			g.Type = "Group"
		} else if g.ID != "" {
			g.Type = "CanonicalUser"
		}
	}
}

// extractUserMetadata collects x-amz-meta-* headers with the prefix
// stripped and names lowercased. Returns nil when there are none.
func extractUserMetadata(r *http.Request) map[string]string {
	var meta map[string]string
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		key, ok := strings.CutPrefix(lower, "x-amz-meta-")
		if !ok || key == "" || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[key] = values[0]
	}
	return meta
}

// parseCopySource splits an x-amz-copy-source header into bucket and key.
// The value may be URL-encoded, may carry a leading slash, and may carry a
// versionId suffix, which is dropped.
func parseCopySource(raw string) (bucket, key string, ok bool) {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", "", false
	}
	decoded = strings.TrimPrefix(decoded, "/")
	bucket, key, found := strings.Cut(decoded, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// byteRange is an inclusive byte range already clamped against the object
// size.
type byteRange struct {
	start int64
	end   int64
}

func (b byteRange) length() int64 {
	return b.end - b.start + 1
}

func (b byteRange) contentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", b.start, b.end, total)
}

// parseRange interprets a Range header against an object of the given
// size. A nil range with nil error means the read is not ranged: no
// header, an unrecognized unit, a malformed value, or multiple ranges,
// all of which are served as a full read. ErrInvalidRange means the header
// parsed but cannot be satisfied.
func parseRange(header string, size int64) (*byteRange, error) {
	if header == "" {
		return nil, nil
	}
	rest, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, nil
	}
	if strings.Contains(rest, ",") {
		// Multiple ranges are served as a full read.
		return nil, nil
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(rest), "-")
	if !ok {
		return nil, nil
	}

	if startStr == "" {
		// Suffix form: the last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, nil
		}
		if n <= 0 || size == 0 {
			return nil, s3err.ErrInvalidRange
		}
		if n > size {
			n = size
		}
		return &byteRange{start: size - n, end: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return nil, nil
	}
	if endStr == "" {
		// Open form: from offset to the end.
		if start >= size {
			return nil, s3err.ErrInvalidRange
		}
		return &byteRange{start: start, end: size - 1}, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return nil, nil
	}
	if start > end || start >= size {
		return nil, s3err.ErrInvalidRange
	}
	if end >= size {
		end = size - 1
	}
	return &byteRange{start: start, end: end}, nil
}

type condOutcome int

const (
	condProceed condOutcome = iota
	condNotModified
	condPreconditionFailed
)

// conditionalHeaders are the four conditional request values, already read
// from either the standard headers or their x-amz-copy-source-if-*
// counterparts.
type conditionalHeaders struct {
	ifMatch           string
	ifNoneMatch       string
	ifModifiedSince   string
	ifUnmodifiedSince string
}

func readConditionals(h http.Header) conditionalHeaders {
	return conditionalHeaders{
		ifMatch:           h.Get("If-Match"),
		ifNoneMatch:       h.Get("If-None-Match"),
		ifModifiedSince:   h.Get("If-Modified-Since"),
		ifUnmodifiedSince: h.Get("If-Unmodified-Since"),
	}
}

func copyConditionals(h http.Header) conditionalHeaders {
	return conditionalHeaders{
		ifMatch:           h.Get("x-amz-copy-source-if-match"),
		ifNoneMatch:       h.Get("x-amz-copy-source-if-none-match"),
		ifModifiedSince:   h.Get("x-amz-copy-source-if-modified-since"),
		ifUnmodifiedSince: h.Get("x-amz-copy-source-if-unmodified-since"),
	}
}

// evaluate applies the conditions in S3's precedence order: If-Match
// shadows If-Unmodified-Since, and If-None-Match shadows
// If-Modified-Since. failOutcome is what a failed If-None-Match or
// If-Modified-Since yields: 304 for reads, 412 for copy sources.
func (c conditionalHeaders) evaluate(etag string, lastModified time.Time, failOutcome condOutcome) condOutcome {
	lastModified = lastModified.Truncate(time.Second)
	if c.ifMatch != "" {
		if !etagMatches(c.ifMatch, etag) {
			return condPreconditionFailed
		}
	} else if t, ok := parseHTTPDate(c.ifUnmodifiedSince); ok {
		if lastModified.After(t) {
			return condPreconditionFailed
		}
	}
	if c.ifNoneMatch != "" {
		if etagMatches(c.ifNoneMatch, etag) {
			return failOutcome
		}
	} else if t, ok := parseHTTPDate(c.ifModifiedSince); ok {
		if !lastModified.After(t) {
			return failOutcome
		}
	}
	return condProceed
}

// trimETag strips the weak validator prefix and surrounding quotes so
// comparisons work however the client quoted the tag.
func trimETag(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "W/")
	return strings.Trim(s, `"`)
}

// etagMatches reports whether etag appears in a comma-separated header
// value. "*" matches anything.
func etagMatches(headerValue, etag string) bool {
	if strings.TrimSpace(headerValue) == "*" {
		return true
	}
	target := trimETag(etag)
	for _, candidate := range strings.Split(headerValue, ",") {
		if trimETag(candidate) == target {
			return true
		}
	}
	return false
}

func parseHTTPDate(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// decodeContentMD5 returns the client-declared MD5 digest, or nil when the
// header is absent. A value that does not base64-decode to 16 bytes is
// rejected before any bytes are written.
func decodeContentMD5(r *http.Request) ([]byte, *s3err.S3Error) {
	header := r.Header.Get("Content-MD5")
	if header == "" {
		return nil, nil
	}
	digest, err := base64.StdEncoding.DecodeString(header)
	if err != nil || len(digest) != md5.Size {
		return nil, s3err.ErrInvalidDigest
	}
	return digest, nil
}

// setObjectResponseHeaders writes the object headers shared by GetObject
// and HeadObject. Content-Length is left to the caller, which differs for
// ranged reads.
func setObjectResponseHeaders(w http.ResponseWriter, obj *metadata.ObjectRecord) {
	contentType := obj.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("ETag", obj.ETag)
	h.Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
	h.Set("Accept-Ranges", "bytes")
	if obj.ContentEncoding != "" {
		h.Set("Content-Encoding", obj.ContentEncoding)
	}
	if obj.ContentLanguage != "" {
		h.Set("Content-Language", obj.ContentLanguage)
	}
	if obj.ContentDisposition != "" {
		h.Set("Content-Disposition", obj.ContentDisposition)
	}
	if obj.CacheControl != "" {
		h.Set("Cache-Control", obj.CacheControl)
	}
	if obj.Expires != "" {
		h.Set("Expires", obj.Expires)
	}
	if obj.StorageClass != "" && obj.StorageClass != defaultStorageClass {
		h.Set("x-amz-storage-class", obj.StorageClass)
	}
	for k, v := range obj.UserMetadata {
		h.Set("x-amz-meta-"+k, v)
	}
}

// applyResponseOverrides rewrites response headers from the response-*
// query parameters a GET may carry.
func applyResponseOverrides(w http.ResponseWriter, q url.Values) {
	overrides := []struct{ param, header string }{
		{"response-content-type", "Content-Type"},
		{"response-content-language", "Content-Language"},
		{"response-expires", "Expires"},
		{"response-cache-control", "Cache-Control"},
		{"response-content-disposition", "Content-Disposition"},
		{"response-content-encoding", "Content-Encoding"},
	}
	for _, o := range overrides {
		if v := q.Get(o.param); v != "" {
			w.Header().Set(o.header, v)
		}
	}
}

// parseMaxParam parses a bounded list-size parameter such as max-keys.
// Absent means the cap; values past the cap silently clamp, S3-style.
func parseMaxParam(q url.Values, name string, limit int) (int, *s3err.S3Error) {
	raw := q.Get(name)
	if raw == "" {
		return limit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, s3err.ErrInvalidArgument.
			WithExtra("ArgumentName", name).
			WithExtra("ArgumentValue", raw)
	}
	if n > limit {
		n = limit
	}
	return n, nil
}

// parseEncodingType validates the encoding-type list parameter. The only
// recognized value is "url".
func parseEncodingType(q url.Values) (string, *s3err.S3Error) {
	v := q.Get("encoding-type")
	if v == "" || v == "url" {
		return v, nil
	}
	return "", s3err.ErrInvalidArgument.
		WithExtra("ArgumentName", "encoding-type").
		WithExtra("ArgumentValue", v)
}

// computeCompositeETag builds the multipart object ETag: the MD5 of the
// concatenated raw part digests, suffixed with the part count.
func computeCompositeETag(partETags []string) (string, error) {
	h := md5.New()
	for _, tag := range partETags {
		raw, err := hex.DecodeString(trimETag(tag))
		if err != nil {
			return "", fmt.Errorf("part etag %q is not an md5 digest: %w", tag, err)
		}
		h.Write(raw)
	}
	return fmt.Sprintf(`"%x-%d"`, h.Sum(nil), len(partETags)), nil
}

// countingReader counts bytes as they stream through, for sizing uploads
// whose Content-Length the client did not declare.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var (
	errDigestMismatch = errors.New("body does not match Content-MD5")
	errTooLarge       = errors.New("body exceeds the maximum object size")
)

// md5CheckReader verifies a declared Content-MD5 as the body streams. At
// end of stream a mismatch surfaces as errDigestMismatch instead of EOF,
// which makes the backend abort the write before the blob is committed.
type md5CheckReader struct {
	r        io.Reader
	h        hash.Hash
	expected []byte
}

func newMD5CheckReader(r io.Reader, expected []byte) *md5CheckReader {
	return &md5CheckReader{r: r, h: md5.New(), expected: expected}
}

func (m *md5CheckReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.h.Write(p[:n])
	if err == io.EOF && !bytes.Equal(m.h.Sum(nil), m.expected) {
		return n, errDigestMismatch
	}
	return n, err
}

// capReader fails the stream with errTooLarge once more than max bytes
// have been read. Like md5CheckReader it turns a bad body into a read
// error, so oversized streams of undeclared length never commit.
type capReader struct {
	r   io.Reader
	max int64
	n   int64
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.max {
		return n, errTooLarge
	}
	return n, err
}
