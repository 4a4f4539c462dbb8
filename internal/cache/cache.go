package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// PageCache keeps bodies of successfully fetched pages. Only pages that passed
// challenge detection are ever stored.
type PageCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, body []byte)
	Close()
}

// Key identifies a page by url and render mode.
func Key(url string, render bool) string {
	return hashURL(url + "|render=" + strconv.FormatBool(render))
}

func hashURL(url string) string {
	hash := sha256.New()
	hash.Write([]byte(url))
	return hex.EncodeToString(hash.Sum(nil))
}
