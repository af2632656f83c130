package xpath

import (
	"net/url"
	"path"
	"strings"
)

// RelativeURL returns the bucket relative path of the packaged folder: `/folder.zip'.
func RelativeURL(folder string) string {
	folder = strings.Trim(path.Clean("/"+filepathToSlash(folder)), "/")
	return "/" + folder + ".zip"
}

// Key takes the relative path p and returns the object key used by the blob stores.
func Key(p string) string {
	cp, err := url.PathUnescape(p)
	if err == nil {
		p = cp
	}

	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// Location returns the absolute remote location of the object.
func Location(baseURL, bucket, relative string) string {
	base := strings.TrimSuffix(baseURL, "/")
	if bucket != "" {
		base += "/" + bucket
	}
	return base + "/" + Key(relative)
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
