package metadata

import (
	"context"
	"strings"
)

// objectPager returns the next page of records with keys strictly after
// cursor, sorted by key and already filtered by prefix, at most limit
// long. A short page means the source is exhausted.
type objectPager func(ctx context.Context, cursor string, limit int) ([]ObjectRecord, error)

// collateObjectPages runs the delimiter grouping over a paged ordered
// scan, rolling groups up into common prefixes and cutting the result off
// at maxKeys entries, objects and prefixes counted alike. It keeps pulling
// pages until the cap is hit or the source runs dry, so listings stay full
// even when a delimiter collapses many keys into one group.
func collateObjectPages(ctx context.Context, maxKeys int, prefix, delimiter, marker string, fetch objectPager) (*ListObjectsResult, error) {
	res := &ListObjectsResult{}
	seen := make(map[string]bool)
	lastEntry := ""
	cursor := marker

	for {
		page, err := fetch(ctx, cursor, maxKeys+1)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return res, nil
		}
		for i := range page {
			obj := page[i]
			cursor = obj.Key

			if delimiter != "" {
				rest := strings.TrimPrefix(obj.Key, prefix)
				if idx := strings.Index(rest, delimiter); idx >= 0 {
					group := prefix + rest[:idx+len(delimiter)]
					// Groups at or below the marker were emitted on an
					// earlier page.
					if seen[group] || group <= marker {
						continue
					}
					if len(res.Objects)+len(res.CommonPrefixes) == maxKeys {
						res.IsTruncated = true
						res.NextMarker = lastEntry
						return res, nil
					}
					seen[group] = true
					res.CommonPrefixes = append(res.CommonPrefixes, group)
					lastEntry = group
					continue
				}
			}

			if len(res.Objects)+len(res.CommonPrefixes) == maxKeys {
				res.IsTruncated = true
				res.NextMarker = lastEntry
				return res, nil
			}
			res.Objects = append(res.Objects, obj)
			lastEntry = obj.Key
		}
		if len(page) <= maxKeys {
			return res, nil
		}
	}
}

// collateObjects is collateObjectPages over an in-memory slice, sorted by
// key and already filtered by prefix and marker.
func collateObjects(objs []ObjectRecord, prefix, delimiter, marker string, maxKeys int) *ListObjectsResult {
	served := false
	res, _ := collateObjectPages(context.Background(), maxKeys, prefix, delimiter, marker,
		func(context.Context, string, int) ([]ObjectRecord, error) {
			if served {
				return nil, nil
			}
			served = true
			return objs, nil
		})
	return res
}

// collateUploads is collateObjects for multipart uploads, tracking the
// composite (key, upload id) continuation marker.
func collateUploads(uploads []UploadRecord, prefix, delimiter, keyMarker string, maxUploads int) *ListUploadsResult {
	res := &ListUploadsResult{}
	seen := make(map[string]bool)
	lastKey, lastID := "", ""

	for i := range uploads {
		u := uploads[i]
		if delimiter != "" {
			rest := strings.TrimPrefix(u.Key, prefix)
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				group := prefix + rest[:idx+len(delimiter)]
				if seen[group] || group <= keyMarker {
					continue
				}
				if len(res.Uploads)+len(res.CommonPrefixes) == maxUploads {
					res.IsTruncated = true
					res.NextKeyMarker, res.NextUploadIDMarker = lastKey, lastID
					return res
				}
				seen[group] = true
				res.CommonPrefixes = append(res.CommonPrefixes, group)
				lastKey, lastID = group, ""
				continue
			}
		}
		if len(res.Uploads)+len(res.CommonPrefixes) == maxUploads {
			res.IsTruncated = true
			res.NextKeyMarker, res.NextUploadIDMarker = lastKey, lastID
			return res
		}
		res.Uploads = append(res.Uploads, u)
		lastKey, lastID = u.Key, u.UploadID
	}
	return res
}

// afterUploadMarker reports whether (key, id) sorts after the composite
// marker. An empty key marker admits everything.
func afterUploadMarker(key, id, keyMarker, idMarker string) bool {
	if keyMarker == "" {
		return true
	}
	if key != keyMarker {
		return key > keyMarker
	}
	if idMarker == "" {
		return false
	}
	return id > idMarker
}
