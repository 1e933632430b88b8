package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// CallbackURL はIdPからのコールバックリクエストの完全なURLを再構築する。
// TLS終端プロキシ配下では内部通信がhttpになるため、スキームは常に公開URLのものを使う。
// ホストはtrustForwardedHostが有効な場合のみX-Forwarded-Hostを採用し、それ以外は公開URLのホストを使う。
func CallbackURL(r *http.Request, publicBase *url.URL, trustForwardedHost bool) string {
	host := publicBase.Host
	if trustForwardedHost {
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			// 多段プロキシの場合はクライアントに最も近い値
			if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
				host = first
			}
		}
	}
	return publicBase.Scheme + "://" + host + r.URL.RequestURI()
}
