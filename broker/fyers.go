package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FYERS REST CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Thin adapter over the Fyers v3 REST API. Does no retries and no rate
// limiting itself; wrap it in a ResilientClient.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	fyersAPIURL  = "https://api-t1.fyers.in/api/v3"
	fyersDataURL = "https://api-t1.fyers.in/data"

	// Fyers order book status codes
	fyersCancelled = 1
	fyersExecuted  = 2
	fyersRejected  = 5
	fyersPending   = 6
)

// Fyers is the live broker client.
type Fyers struct {
	appID string
	token string
	http  *http.Client

	apiURL  string
	dataURL string
}

// NewFyers creates a client for the given app id and access token.
func NewFyers(appID, accessToken string) *Fyers {
	return &Fyers{
		appID:   appID,
		token:   accessToken,
		http:    &http.Client{Timeout: 15 * time.Second},
		apiURL:  fyersAPIURL,
		dataURL: fyersDataURL,
	}
}

// envelope is the common Fyers response wrapper.
type envelope struct {
	S       string `json:"s"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *Fyers) request(method, rawURL string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", f.appID+":"+f.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("fyers: bad response (%d): %w", resp.StatusCode, err)
	}
	if env.S != "ok" {
		code := env.Code
		if code == 0 {
			code = resp.StatusCode
		}
		return Classify(method+" "+rawURL, code, env.Message)
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (f *Fyers) Balance(capitalReserve float64) (float64, error) {
	var resp struct {
		envelope
		FundLimit []struct {
			ID        int     `json:"id"`
			Title     string  `json:"title"`
			EquityAmt float64 `json:"equityAmount"`
			CommodAmt float64 `json:"commodityAmount"`
		} `json:"fund_limit"`
	}
	if err := f.request(http.MethodGet, f.apiURL+"/funds", nil, &resp); err != nil {
		return 0, err
	}
	for _, row := range resp.FundLimit {
		// id 10 = available balance
		if row.ID == 10 {
			avail := row.EquityAmt - capitalReserve
			if avail < 0 {
				avail = 0
			}
			return avail, nil
		}
	}
	return 0, Classify("balance", 0, "no data found in funds response")
}

func (f *Fyers) GetQuote(symbol string) (Quote, error) {
	u := f.dataURL + "/quotes?symbols=" + url.QueryEscape(symbol)
	var resp struct {
		envelope
		D []struct {
			N string `json:"n"`
			V struct {
				LP  float64 `json:"lp"`
				Bid float64 `json:"bid"`
				Ask float64 `json:"ask"`
				TT  int64   `json:"tt"`
			} `json:"v"`
		} `json:"d"`
	}
	if err := f.request(http.MethodGet, u, nil, &resp); err != nil {
		return Quote{}, err
	}
	if len(resp.D) == 0 {
		return Quote{}, Classify("quote", 0, "no data found for "+symbol)
	}
	v := resp.D[0].V
	return Quote{
		Symbol: symbol,
		LTP:    v.LP,
		Bid:    v.Bid,
		Ask:    v.Ask,
		Time:   time.Unix(v.TT, 0),
	}, nil
}

func (f *Fyers) History(symbol string, days int) ([]Candle, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -days)
	u := fmt.Sprintf("%s/history?symbol=%s&resolution=1&date_format=1&range_from=%s&range_to=%s&cont_flag=1",
		f.dataURL, url.QueryEscape(symbol),
		from.Format("2006-01-02"), to.Format("2006-01-02"))

	var resp struct {
		envelope
		Candles [][]float64 `json:"candles"`
	}
	if err := f.request(http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]Candle, 0, len(resp.Candles))
	for _, row := range resp.Candles {
		if len(row) < 6 {
			continue
		}
		out = append(out, Candle{
			Time:   time.Unix(int64(row[0]), 0),
			Open:   row[1],
			High:   row[2],
			Low:    row[3],
			Close:  row[4],
			Volume: row[5],
		})
	}
	return out, nil
}

type fyersOrderReq struct {
	Symbol      string  `json:"symbol"`
	Qty         int     `json:"qty"`
	Type        int     `json:"type"` // 1=limit 2=market
	Side        int     `json:"side"` // 1=buy -1=sell
	ProductType string  `json:"productType"`
	LimitPrice  float64 `json:"limitPrice"`
	StopPrice   float64 `json:"stopPrice"`
	Validity    string  `json:"validity"`
	OfflineOrd  bool    `json:"offlineOrder"`
}

func (f *Fyers) PlaceBuy(symbol string, qty int, limitPrice float64) (string, error) {
	req := fyersOrderReq{
		Symbol:      symbol,
		Qty:         qty,
		Type:        1,
		Side:        1,
		ProductType: "INTRADAY",
		LimitPrice:  limitPrice,
		Validity:    "DAY",
	}
	var resp struct {
		envelope
		ID string `json:"id"`
	}
	if err := f.request(http.MethodPost, f.apiURL+"/orders/sync", req, &resp); err != nil {
		return "", err
	}
	log.Info().Str("symbol", symbol).Int("qty", qty).Float64("limit", limitPrice).
		Str("order_id", resp.ID).Msg("📝 Buy order placed")
	return resp.ID, nil
}

func (f *Fyers) CancelOrder(id string) error {
	body := map[string]string{"id": id}
	return f.request(http.MethodDelete, f.apiURL+"/orders/sync", body, nil)
}

func (f *Fyers) OrderStatus(id string) (OrderStatus, error) {
	u := f.apiURL + "/orders?id=" + url.QueryEscape(id)
	var resp struct {
		envelope
		OrderBook []struct {
			ID     string `json:"id"`
			Status int    `json:"status"`
		} `json:"orderBook"`
	}
	if err := f.request(http.MethodGet, u, nil, &resp); err != nil {
		return StatusUnknown, err
	}
	if len(resp.OrderBook) == 0 {
		return StatusUnknown, Classify("order_status", 0, "no data found for order "+id)
	}
	switch resp.OrderBook[0].Status {
	case fyersExecuted:
		return StatusExecuted, nil
	case fyersCancelled:
		return StatusCancelled, nil
	case fyersRejected:
		return StatusRejected, nil
	case fyersPending:
		return StatusPending, nil
	default:
		return StatusUnknown, nil
	}
}

func (f *Fyers) SellMarket(symbol string, qty int) error {
	req := fyersOrderReq{
		Symbol:      symbol,
		Qty:         qty,
		Type:        2,
		Side:        -1,
		ProductType: "INTRADAY",
		Validity:    "DAY",
	}
	var resp struct {
		envelope
		ID string `json:"id"`
	}
	if err := f.request(http.MethodPost, f.apiURL+"/orders/sync", req, &resp); err != nil {
		return err
	}
	log.Info().Str("symbol", symbol).Int("qty", qty).Str("order_id", resp.ID).
		Msg("📝 Market sell placed")
	return nil
}
