package paypal

import (
	"context"
	"net/http"
	"net/url"

	"coinledger/internal/gateway"
)

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	Amount      amount `json:"amount"`
	Description string `json:"description,omitempty"`
}

type applicationContext struct {
	ReturnURL          string `json:"return_url,omitempty"`
	CancelURL          string `json:"cancel_url,omitempty"`
	BrandName          string `json:"brand_name,omitempty"`
	ShippingPreference string `json:"shipping_preference"`
	UserAction         string `json:"user_action"`
}

type orderRequest struct {
	Intent             string              `json:"intent"`
	PurchaseUnits      []purchaseUnit      `json:"purchase_units"`
	ApplicationContext *applicationContext `json:"application_context,omitempty"`
}

type link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount amount `json:"amount"`
}

type orderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []link `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []capture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (r *orderResponse) toCaptureResult() *gateway.CaptureResult {
	result := &gateway.CaptureResult{OrderID: r.ID, OrderStatus: r.Status}
	if len(r.PurchaseUnits) > 0 && len(r.PurchaseUnits[0].Payments.Captures) > 0 {
		first := r.PurchaseUnits[0].Payments.Captures[0]
		result.CaptureID = first.ID
		result.Status = first.Status
	}
	return result
}

// CreateOrder 金额必须大于0，否则不发请求直接返回 InvalidRequest
func (c *Client) CreateOrder(ctx context.Context, req gateway.CreateOrderRequest) (*gateway.CreatedOrder, error) {
	const op = "create_order"

	if req.AmountCents <= 0 {
		return nil, &gateway.Error{Op: op, Kind: gateway.ErrInvalidRequest, Message: "金额必须大于0"}
	}
	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}
	description := req.Description
	if description == "" {
		description = "Coin Purchase"
	}

	body := orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			Amount:      amount{CurrencyCode: currency, Value: formatAmount(req.AmountCents)},
			Description: description,
		}},
	}
	if req.ReturnURL != "" || req.CancelURL != "" {
		body.ApplicationContext = &applicationContext{
			ReturnURL:          req.ReturnURL,
			CancelURL:          req.CancelURL,
			BrandName:          c.cfg.BrandName,
			ShippingPreference: "NO_SHIPPING",
			UserAction:         "PAY_NOW",
		}
	}

	var resp orderResponse
	if err := c.doJSON(ctx, op, http.MethodPost, "/v2/checkout/orders", body, &resp, nil); err != nil {
		return nil, err
	}

	approval := findLink(resp.Links, "approve")
	if approval == "" {
		approval = findLink(resp.Links, "payer-action")
	}
	if resp.ID == "" || approval == "" {
		return nil, &gateway.Error{Op: op, Kind: gateway.ErrUnavailable, Message: "响应缺少订单号或支付链接"}
	}

	return &gateway.CreatedOrder{OrderID: resp.ID, ApprovalURL: approval}, nil
}

// CaptureOrder 使用 PayPal-Request-Id 做幂等，同一订单重复 capture 得到相同结果
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*gateway.CaptureResult, error) {
	const op = "capture_order"

	if orderID == "" {
		return nil, &gateway.Error{Op: op, Kind: gateway.ErrInvalidRequest, Message: "订单号为空"}
	}

	var resp orderResponse
	headers := map[string]string{
		"PayPal-Request-Id": "capture-" + orderID,
		"Prefer":            "return=representation",
	}
	err := c.doJSON(ctx, op, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", struct{}{}, &resp, headers)
	if err != nil {
		return nil, err
	}
	return resp.toCaptureResult(), nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*gateway.CaptureResult, error) {
	const op = "get_order"

	if orderID == "" {
		return nil, &gateway.Error{Op: op, Kind: gateway.ErrInvalidRequest, Message: "订单号为空"}
	}

	var resp orderResponse
	if err := c.doJSON(ctx, op, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.toCaptureResult(), nil
}

func findLink(links []link, rel string) string {
	for _, l := range links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}
