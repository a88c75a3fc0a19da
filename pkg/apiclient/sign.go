package apiclient

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// bearerSigner implements authSigner for modern 2-leg OAuth credentials.
type bearerSigner struct {
	token string
}

func (b bearerSigner) Sign(req *http.Request, _ url.Values) {
	req.Header.Set("Authorization", "Bearer "+b.token)
}

// oauth1Signer implements authSigner for legacy 1-leg OAuth credentials
// using the standard OAuth 1.0a HMAC-SHA1 signature base string.
type oauth1Signer struct {
	appKey, appSecret   string
	token, tokenSecret string
}

func (s oauth1Signer) Sign(req *http.Request, form url.Values) {
	params := url.Values{
		"oauth_consumer_key":     {s.appKey},
		"oauth_nonce":            {nonce()},
		"oauth_signature_method": {"HMAC-SHA1"},
		"oauth_timestamp":        {strconv.FormatInt(time.Now().Unix(), 10)},
		"oauth_token":            {s.token},
		"oauth_version":          {"1.0"},
	}
	all := url.Values{}
	for k, v := range params {
		all[k] = v
	}
	for k, v := range req.URL.Query() {
		all[k] = v
	}
	for k, v := range form {
		all[k] = v
	}

	base := signatureBase(req.Method, baseURL(req.URL), all)
	key := url.QueryEscape(s.appSecret) + "&" + url.QueryEscape(s.tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	params.Set("oauth_signature", signature)

	var parts []string
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, url.QueryEscape(k), url.QueryEscape(params.Get(k))))
	}
	req.Header.Set("Authorization", "OAuth "+strings.Join(parts, ", "))
}

func signatureBase(method, baseURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var pairs []string
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(params.Get(k)))
	}
	encodedParams := url.QueryEscape(strings.Join(pairs, "&"))
	return strings.ToUpper(method) + "&" + url.QueryEscape(baseURL) + "&" + encodedParams
}

func baseURL(u *url.URL) string {
	clean := *u
	clean.RawQuery = ""
	return clean.String()
}

func nonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
