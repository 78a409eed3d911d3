package mutate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/request"
)

const (
	awsService   = "bedrock"
	awsAlgorithm = "AWS4-HMAC-SHA256"

	bedrockAnthropicVersion = "bedrock-2023-05-31"
)

// signAWS finalizes the body for Bedrock, computes the SigV4 signature over
// the canonical request, and records the signed envelope on the request.
func signAWS(m *request.Manager, key keypool.Key) error {
	req := m.Request()

	// Bedrock routes the model through the path and versions Anthropic
	// bodies explicitly; the body must carry neither model nor stream.
	m.MutateBody(func(b map[string]any) {
		delete(b, "model")
		delete(b, "stream")
		if req.ModelFamily == models.AWSClaude || req.ModelFamily == models.AWSClaudeOpus {
			b["anthropic_version"] = bedrockAnthropicVersion
		}
	})

	payload, err := json.Marshal(req.Body)
	if err != nil {
		return fmt.Errorf("mutate: marshal bedrock body: %w", err)
	}

	verb := "invoke"
	if req.Streaming {
		verb = "invoke-with-response-stream"
	}
	host := fmt.Sprintf("bedrock-runtime.%s.amazonaws.com", key.Region)
	path := fmt.Sprintf("/model/%s/%s", req.Model, verb)

	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	headers := make(http.Header)
	headers.Set("Content-Type", "application/json")
	headers.Set("Host", host)
	headers.Set("X-Amz-Date", amzdate)
	if req.Streaming {
		headers.Set("Accept", "application/vnd.amazon.eventstream")
	}

	payloadHash := sha256Hex(payload)
	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf("content-type:%s\nhost:%s\nx-amz-date:%s\n",
		"application/json", host, amzdate)

	canonicalRequest := strings.Join([]string{
		http.MethodPost,
		path,
		"", // no query string
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, key.Region, awsService)
	stringToSign := strings.Join([]string{
		awsAlgorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(key.SecretAccessKey, datestamp, key.Region, awsService)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	headers.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		awsAlgorithm, key.AccessKeyID, credentialScope, signedHeaders, signature,
	))

	m.SetSignedRequest(&request.SignedRequest{
		Method:   http.MethodPost,
		Hostname: host,
		Path:     path,
		Headers:  headers,
		Body:     payload,
	})
	return nil
}

// SignV4HTTP signs a plain http.Request in place. The key checker uses this
// for probe and discovery calls outside the proxy pipeline.
func SignV4HTTP(req *http.Request, payload []byte, accessKeyID, secretKey, region, service string) {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	host := req.URL.Host
	req.Header.Set("Host", host)
	req.Header.Set("X-Amz-Date", amzdate)

	contentType := req.Header.Get("Content-Type")

	signedHeaders := "host;x-amz-date"
	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-date:%s\n", host, amzdate)
	if contentType != "" {
		signedHeaders = "content-type;" + signedHeaders
		canonicalHeaders = fmt.Sprintf("content-type:%s\n%s", contentType, canonicalHeaders)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		sha256Hex(payload),
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, region, service)
	stringToSign := strings.Join([]string{
		awsAlgorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(secretKey, datestamp, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		awsAlgorithm, accessKeyID, credentialScope, signedHeaders, signature,
	))
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
