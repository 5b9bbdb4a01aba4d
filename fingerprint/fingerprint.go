// Package fingerprint maps a download submission (an HTTP(S)/FTP URL, a
// magnet link, or a torrent blob) to the stable uri_hash used to
// deduplicate shared downloads.
package fingerprint

import (
	"bytes"
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	bencode "github.com/jackpal/bencode-go"

	"github.com/crmmc/aria2deck/core"
)

// Kind identifies which transport a submission's uri_hash was derived
// from; the submission service branches on it to pick the right
// addUri/addTorrent call.
type Kind string

const (
	KindHTTP    Kind = "http"
	KindMagnet  Kind = "magnet"
	KindTorrent Kind = "torrent"
)

// Submission is the input to Fingerprint: a caller provides exactly one of
// URI (for http(s)/ftp/magnet) or TorrentBlob (for an uploaded .torrent).
type Submission struct {
	URI         string
	TorrentBlob []byte
}

// Result is the outcome of fingerprinting a Submission.
type Result struct {
	Kind    Kind
	URIHash string
}

// Fingerprint computes a stable uri_hash for sub. Magnets are fingerprinted
// by their btih (base32 or hex, normalized to lowercase hex). Torrent blobs
// are fingerprinted by the SHA-1 of their bencoded "info" dictionary.
// HTTP(S)/FTP URLs are fingerprinted by the SHA-256 of the URL string
// (the post-redirect URL, once probed — see package probe).
func Fingerprint(sub Submission) (Result, error) {
	if len(sub.TorrentBlob) > 0 {
		hash, err := infoHashFromTorrent(sub.TorrentBlob)
		if err != nil {
			return Result{}, core.Wrap(core.KindCorruptTorrent, err)
		}
		return Result{Kind: KindTorrent, URIHash: hash}, nil
	}

	uri := sub.URI
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "magnet:"):
		hash, err := infoHashFromMagnet(uri)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: KindMagnet, URIHash: hash}, nil
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "ftp://"):
		return Result{Kind: KindHTTP, URIHash: hashURL(uri)}, nil
	default:
		return Result{}, core.Errorf(core.KindMalformedURL, "unsupported uri scheme: %s", uri)
	}
}

func hashURL(uri string) string {
	digest, err := core.NewDigester().FromBytes([]byte(uri))
	if err != nil {
		// Digesting a byte slice never fails.
		panic(err)
	}
	return digest.Hex()
}

// infoHashFromMagnet extracts and normalizes the btih info-hash carried by
// a magnet link's xt parameter.
func infoHashFromMagnet(magnetURI string) (string, error) {
	u, err := url.Parse(magnetURI)
	if err != nil {
		return "", core.Wrap(core.KindInvalidMagnet, err)
	}
	for _, xt := range u.Query()["xt"] {
		const prefix = "urn:btih:"
		idx := strings.Index(strings.ToLower(xt), prefix)
		if idx == -1 {
			continue
		}
		value := xt[idx+len(prefix):]
		switch len(value) {
		case 40:
			if _, err := hex.DecodeString(value); err == nil {
				return strings.ToLower(value), nil
			}
		case 32:
			decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(value))
			if err == nil && len(decoded) == 20 {
				return hex.EncodeToString(decoded), nil
			}
		}
	}
	return "", core.Errorf(core.KindInvalidMagnet, "no urn:btih found in magnet xt parameter")
}

// infoHashFromTorrent bencode-decodes data generically (rather than into a
// schema-aware struct) to locate the top-level "info" dictionary, then
// computes its info-hash as SHA-1 of its re-encoded bencoded form.
func infoHashFromTorrent(data []byte) (string, error) {
	decoded, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("bencode decode: %s", err)
	}
	top, ok := decoded.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("top-level bencode value is not a dictionary")
	}
	info, ok := top["info"]
	if !ok {
		return "", fmt.Errorf("missing top-level \"info\" key")
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return "", fmt.Errorf("re-encode info dict: %s", err)
	}
	sum := sha1.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}
