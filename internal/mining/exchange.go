package mining

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "Transformers-Daemon/internal/errors"
)

const defaultExchangeBaseURL = "https://api.crypto.com/v2"

// ExchangeClient 封装交易所的公共行情接口与 HMAC-SHA256 签名的私有接口。
type ExchangeClient struct {
	apiKey    string
	secretKey string
	baseURL   string
	client    *http.Client
	now       func() time.Time
}

// NewExchangeClient 构造交易所客户端。凭据可以为空,此时私有接口调用会报错,
// 公共行情接口仍然可用。
func NewExchangeClient(apiKey, secretKey, baseURL string) *ExchangeClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultExchangeBaseURL
	}
	return &ExchangeClient{
		apiKey:    apiKey,
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
		now:       time.Now,
	}
}

// Configured 返回私有接口凭据是否就绪。
func (c *ExchangeClient) Configured() bool {
	return c != nil && c.apiKey != "" && c.secretKey != ""
}

type privateRequest struct {
	ID        int64          `json:"id"`
	Method    string         `json:"method"`
	APIKey    string         `json:"api_key"`
	Params    map[string]any `json:"params"`
	Nonce     int64          `json:"nonce"`
	Signature string         `json:"sig"`
}

// sign 计算私有请求签名: method + id + api_key + 排序后的参数串 + nonce。
func (c *ExchangeClient) sign(req *privateRequest) {
	keys := make([]string, 0, len(req.Params))
	for key := range req.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(req.Method)
	fmt.Fprintf(&payload, "%d", req.ID)
	payload.WriteString(req.APIKey)
	for _, key := range keys {
		payload.WriteString(key)
		fmt.Fprintf(&payload, "%v", req.Params[key])
	}
	fmt.Fprintf(&payload, "%d", req.Nonce)

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(payload.String()))
	req.Signature = hex.EncodeToString(mac.Sum(nil))
}

func (c *ExchangeClient) callPrivate(ctx context.Context, method string, params map[string]any, out any) error {
	if !c.Configured() {
		return xerrors.New(xerrors.CodeExchangeFailure, "交易所凭据未配置")
	}
	if params == nil {
		params = map[string]any{}
	}
	now := c.now()
	req := &privateRequest{
		ID:     now.UnixNano(),
		Method: method,
		APIKey: c.apiKey,
		Params: params,
		Nonce:  now.UnixMilli(),
	}
	c.sign(req)

	body, err := json.Marshal(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExchangeFailure, err, "编码交易所请求失败")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExchangeFailure, err, "构造交易所请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExchangeFailure, err, "请求交易所失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return xerrors.New(xerrors.CodeExchangeFailure, fmt.Sprintf("交易所返回状态码 %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeExchangeFailure, err, "解析交易所响应失败")
	}
	return nil
}

// Balance 查询 BTC 余额。
func (c *ExchangeClient) Balance(ctx context.Context) (float64, error) {
	var resp struct {
		Code   int `json:"code"`
		Result struct {
			Accounts []struct {
				Currency  string  `json:"currency"`
				Available float64 `json:"available"`
			} `json:"accounts"`
		} `json:"result"`
	}
	if err := c.callPrivate(ctx, "private/get-account-summary", map[string]any{"currency": "BTC"}, &resp); err != nil {
		return 0, err
	}
	if resp.Code != 0 {
		return 0, xerrors.New(xerrors.CodeExchangeFailure, fmt.Sprintf("交易所错误码 %d", resp.Code))
	}
	for _, account := range resp.Result.Accounts {
		if account.Currency == "BTC" {
			return account.Available, nil
		}
	}
	return 0, nil
}

// Convert 以市价单将指定数量的 BTC 兑换为目标币种。
func (c *ExchangeClient) Convert(ctx context.Context, amount float64, toCurrency string) error {
	if toCurrency == "" {
		toCurrency = "USDT"
	}
	params := map[string]any{
		"instrument_name": "BTC_" + toCurrency,
		"side":            "SELL",
		"type":            "MARKET",
		"quantity":        amount,
	}
	var resp struct {
		Code int `json:"code"`
	}
	if err := c.callPrivate(ctx, "private/create-order", params, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		return xerrors.New(xerrors.CodeExchangeFailure, fmt.Sprintf("兑换下单被拒绝, 错误码 %d", resp.Code))
	}
	return nil
}

// TickerPrice 查询 BTC_USD 最新成交价,公共接口无需凭据。
func (c *ExchangeClient) TickerPrice(ctx context.Context) (float64, error) {
	url := c.baseURL + "/public/get-ticker?instrument_name=BTC_USD"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeExchangeFailure, err, "构造行情请求失败")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeExchangeFailure, err, "请求行情失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, xerrors.New(xerrors.CodeExchangeFailure, fmt.Sprintf("行情接口返回状态码 %d", resp.StatusCode))
	}

	var payload struct {
		Code   int `json:"code"`
		Result struct {
			Data []struct {
				Ask float64 `json:"a"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeExchangeFailure, err, "解析行情响应失败")
	}
	if payload.Code != 0 || len(payload.Result.Data) == 0 {
		return 0, xerrors.New(xerrors.CodeExchangeFailure, "行情响应为空")
	}
	return payload.Result.Data[0].Ask, nil
}
