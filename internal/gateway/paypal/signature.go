package paypal

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"coinledger/internal/gateway"
)

const (
	headerAuthAlgo         = "Paypal-Auth-Algo"
	headerCertURL          = "Paypal-Cert-Url"
	headerTransmissionID   = "Paypal-Transmission-Id"
	headerTransmissionSig  = "Paypal-Transmission-Sig"
	headerTransmissionTime = "Paypal-Transmission-Time"

	authAlgoSHA256RSA = "SHA256withRSA"
)

// VerifyInboundSignature 用 PayPal 证书校验 transmissionId|transmissionTime|body 的签名
func (c *Client) VerifyInboundSignature(ctx context.Context, headers http.Header, body []byte) bool {
	algo := headers.Get(headerAuthAlgo)
	certURL := headers.Get(headerCertURL)
	transmissionID := headers.Get(headerTransmissionID)
	transmissionSig := headers.Get(headerTransmissionSig)
	transmissionTime := headers.Get(headerTransmissionTime)

	if algo == "" || certURL == "" || transmissionID == "" || transmissionSig == "" || transmissionTime == "" {
		log.Warn().Msg("PayPal webhook 签名头不完整")
		return false
	}
	if !strings.EqualFold(algo, authAlgoSHA256RSA) {
		log.Warn().Str("algo", algo).Msg("不支持的签名算法")
		return false
	}

	cert, err := c.signingCert(ctx, certURL)
	if err != nil {
		log.Warn().Err(err).Str("cert_url", certURL).Msg("获取 PayPal 签名证书失败")
		return false
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		log.Warn().Str("cert_url", certURL).Msg("签名证书不是 RSA 公钥")
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(transmissionSig)
	if err != nil {
		log.Warn().Err(err).Str("transmission_id", transmissionID).Msg("签名不是合法的 base64")
		return false
	}

	digest := sha256.Sum256(signedPayload(transmissionID, transmissionTime, body))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		log.Warn().Str("transmission_id", transmissionID).Msg("PayPal webhook 签名无效")
		return false
	}
	return true
}

func signedPayload(transmissionID, transmissionTime string, body []byte) []byte {
	payload := make([]byte, 0, len(transmissionID)+len(transmissionTime)+len(body)+2)
	payload = append(payload, transmissionID...)
	payload = append(payload, '|')
	payload = append(payload, transmissionTime...)
	payload = append(payload, '|')
	return append(payload, body...)
}

// signingCert 按 URL 缓存证书，过期的缓存会被重新下载
func (c *Client) signingCert(ctx context.Context, certURL string) (*x509.Certificate, error) {
	if err := c.checkCertURL(certURL); err != nil {
		return nil, err
	}

	c.certMu.RLock()
	cert, ok := c.certs[certURL]
	c.certMu.RUnlock()
	if ok && c.certValid(cert) {
		return cert, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, err
	}
	body, err := c.send(ctx, "get_signing_cert", req)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(body)
	if block == nil {
		return nil, errors.New("证书不是 PEM 格式")
	}
	cert, err = x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("解析证书失败: %w", err)
	}
	if !c.certValid(cert) {
		return nil, errors.New("证书不在有效期内")
	}

	c.certMu.Lock()
	c.certs[certURL] = cert
	c.certMu.Unlock()
	return cert, nil
}

func (c *Client) certValid(cert *x509.Certificate) bool {
	now := c.now()
	return !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)
}

// checkCertURL 只允许从配置的域名下载证书，防止伪造的 cert_url
func (c *Client) checkCertURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &gateway.Error{Op: "get_signing_cert", Kind: gateway.ErrInvalidRequest, Message: "证书地址无效", Err: err}
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !c.cfg.AllowInsecureCert {
			return &gateway.Error{Op: "get_signing_cert", Kind: gateway.ErrInvalidRequest, Message: "证书地址必须是 https"}
		}
	default:
		return &gateway.Error{Op: "get_signing_cert", Kind: gateway.ErrInvalidRequest, Message: "证书地址协议不支持"}
	}

	host := strings.ToLower(u.Hostname())
	for _, suffix := range c.cfg.CertHostSuffixes {
		suffix = strings.ToLower(suffix)
		if host == strings.TrimPrefix(suffix, ".") || (strings.HasPrefix(suffix, ".") && strings.HasSuffix(host, suffix)) {
			return nil
		}
	}
	return &gateway.Error{Op: "get_signing_cert", Kind: gateway.ErrInvalidRequest, Message: "证书域名不在白名单: " + host}
}
