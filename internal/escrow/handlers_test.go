package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/custody"
)

type apiHarness struct {
	*harness
	router *gin.Engine
	tokens *auth.Manager
}

func setupTestRouter(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := newHarness(t)
	mgr := auth.NewManager("handler-test-secret-value")

	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware(mgr), auth.RequireAuth())
	NewHandler(h.svc).RegisterRoutes(v1)

	return &apiHarness{harness: h, router: r, tokens: mgr}
}

func (a *apiHarness) do(t *testing.T, method, path, user string, role auth.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := a.tokens.Issue(user, role)
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHandler_TradeLifecycle(t *testing.T) {
	api := setupTestRouter(t)

	w := api.do(t, "POST", "/v1/trades", buyer, auth.RoleUser, CreateTradeRequest{
		BuyerID: buyer, SellerID: seller,
		Asset: "BTC", AssetAmount: "0.02",
		FiatAmount: "1000", FiatCurrency: "USD", PaymentMethod: "SEPA",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Trade Trade `json:"trade"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created.Trade.ID
	if created.Trade.Status != TradeInitiated {
		t.Fatalf("Expected INITIATED, got %s", created.Trade.Status)
	}

	steps := []struct {
		path string
		user string
		want TradeStatus
	}{
		{"/fund", seller, TradeFunded},
		{"/confirm", buyer, TradePaymentPending},
		{"/confirm", seller, TradeReleased},
	}
	for _, step := range steps {
		w = api.do(t, "POST", "/v1/trades/"+id+step.path, step.user, auth.RoleUser, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s by %s: expected 200, got %d: %s", step.path, step.user, w.Code, w.Body.String())
		}
		var got struct {
			Trade Trade `json:"trade"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &got)
		if got.Trade.Status != step.want {
			t.Fatalf("%s: expected %s, got %s", step.path, step.want, got.Trade.Status)
		}
	}

	w = api.do(t, "GET", "/v1/trades/"+id, seller, auth.RoleUser, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if _, ok := decodeBody(t, w)["nextActions"]; !ok {
		t.Error("Expected nextActions in trade response")
	}
}

func TestHandler_CreateTradeRequiresParty(t *testing.T) {
	api := setupTestRouter(t)
	req := CreateTradeRequest{
		BuyerID: buyer, SellerID: seller, Asset: "BTC",
		AssetAmount: "0.02", FiatAmount: "1000", FiatCurrency: "USD",
	}

	if w := api.do(t, "POST", "/v1/trades", "mallory", auth.RoleUser, req); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for a non-party, got %d", w.Code)
	}
	if w := api.do(t, "POST", "/v1/trades", "arb-1", auth.RoleAdmin, req); w.Code != http.StatusCreated {
		t.Errorf("Expected 201 for an admin, got %d: %s", w.Code, w.Body.String())
	}
	if w := api.do(t, "POST", "/v1/trades", "", "", req); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a token, got %d", w.Code)
	}

	bad := req
	bad.AssetAmount = "-1"
	w := api.do(t, "POST", "/v1/trades", buyer, auth.RoleUser, bad)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a negative amount, got %d", w.Code)
	}
	if w := api.do(t, "POST", "/v1/trades", buyer, auth.RoleUser, map[string]string{"buyerId": buyer}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a missing field, got %d", w.Code)
	}
}

func TestHandler_TradeHiddenFromStrangers(t *testing.T) {
	api := setupTestRouter(t)
	trade := api.newTrade(t)

	if w := api.do(t, "GET", "/v1/trades/"+trade.ID, "mallory", auth.RoleUser, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a stranger, got %d", w.Code)
	}
	if w := api.do(t, "GET", "/v1/trades/"+trade.ID, "arb-1", auth.RoleAdmin, nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for an admin, got %d", w.Code)
	}
	if w := api.do(t, "GET", "/v1/trades/not%20an%20id", buyer, auth.RoleUser, nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a malformed id, got %d", w.Code)
	}
}

func TestHandler_ListTradesScopedToCaller(t *testing.T) {
	api := setupTestRouter(t)
	api.newTrade(t)

	w := api.do(t, "GET", "/v1/trades", "mallory", auth.RoleUser, nil)
	var got struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Count != 0 {
		t.Errorf("Expected a stranger to see no trades, got %d", got.Count)
	}

	w = api.do(t, "GET", "/v1/trades?party="+buyer, "arb-1", auth.RoleAdmin, nil)
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Count != 1 {
		t.Errorf("Expected admin to see the buyer's trade, got %d", got.Count)
	}
}

func TestHandler_StateErrorsCarryNextActions(t *testing.T) {
	api := setupTestRouter(t)
	trade := api.newTrade(t)

	w := api.do(t, "POST", "/v1/trades/"+trade.ID+"/dispute", buyer, auth.RoleUser, OpenDisputeRequest{
		Category: CategoryPaymentIssue, Description: "too early",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if string(body["error"]) != `"invalid_state"` {
		t.Errorf("Expected invalid_state code, got %s", body["error"])
	}
	if string(body["status"]) != `"INITIATED"` {
		t.Errorf("Expected current status in error, got %s", body["status"])
	}
	if _, ok := body["nextActions"]; !ok {
		t.Error("Expected nextActions in error body")
	}
}

func TestHandler_CustodyFailureIsBadGateway(t *testing.T) {
	api := setupTestRouter(t)
	trade := api.newTrade(t)
	api.custody.setDown(custody.LegLock, true)

	w := api.do(t, "POST", "/v1/trades/"+trade.ID+"/fund", seller, auth.RoleUser, nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_DisputeFlow(t *testing.T) {
	api := setupTestRouter(t)
	trade := api.pendingTrade(t)

	w := api.do(t, "POST", "/v1/trades/"+trade.ID+"/dispute", buyer, auth.RoleUser, OpenDisputeRequest{
		Category: CategoryPaymentIssue, Description: "seller ignores transfer",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var opened struct {
		Dispute Dispute `json:"dispute"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &opened)
	id := opened.Dispute.ID
	if opened.Dispute.Status != DisputeOpen {
		t.Fatalf("Expected OPEN, got %s", opened.Dispute.Status)
	}

	w = api.do(t, "POST", "/v1/disputes/"+id+"/evidence", seller, auth.RoleUser, EvidenceInput{
		Type: EvidenceBankStatement, URI: "s3://evidence/statement.pdf",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 for evidence, got %d: %s", w.Code, w.Body.String())
	}

	// Admin-private notes stay hidden from parties.
	if _, err := api.svc.PostMessage(context.Background(), id, Actor{ID: "arb-1", Admin: true}, "internal note", true); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	w = api.do(t, "POST", "/v1/disputes/"+id+"/messages", buyer, auth.RoleUser, MessageRequest{Content: "see attached"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 for message, got %d", w.Code)
	}
	w = api.do(t, "GET", "/v1/disputes/"+id, buyer, auth.RoleUser, nil)
	var viewed struct {
		Dispute Dispute `json:"dispute"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &viewed)
	if len(viewed.Dispute.Messages) != 1 || viewed.Dispute.Messages[0].Private {
		t.Errorf("Expected only the public message, got %+v", viewed.Dispute.Messages)
	}

	if w := api.do(t, "GET", "/v1/disputes/"+id, "mallory", auth.RoleUser, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a stranger, got %d", w.Code)
	}
	if w := api.do(t, "POST", "/v1/disputes/"+id+"/withdraw", seller, auth.RoleUser, nil); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for respondent withdraw, got %d", w.Code)
	}
	if w := api.do(t, "POST", "/v1/disputes/"+id+"/withdraw", buyer, auth.RoleUser, nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for complainant withdraw, got %d: %s", w.Code, w.Body.String())
	}
	if got := api.mustTrade(t, trade.ID).Status; got != TradePaymentPending {
		t.Errorf("Expected trade back in PAYMENT_PENDING, got %s", got)
	}
}

func TestHandler_ListDisputesAdminOnly(t *testing.T) {
	api := setupTestRouter(t)
	for i := 0; i < 3; i++ {
		api.openDispute(t, buyer, CategoryOther)
	}

	if w := api.do(t, "GET", "/v1/disputes", buyer, auth.RoleUser, nil); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for a user, got %d", w.Code)
	}

	w := api.do(t, "GET", "/v1/disputes?status=open&limit=2", "arb-1", auth.RoleAdmin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var page struct {
		Count      int    `json:"count"`
		NextCursor string `json:"nextCursor"`
		HasMore    bool   `json:"hasMore"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &page)
	if page.Count != 2 || !page.HasMore || page.NextCursor == "" {
		t.Fatalf("Expected first page of 2 with more, got %+v", page)
	}

	w = api.do(t, "GET", "/v1/disputes?status=open&limit=2&cursor="+page.NextCursor, "arb-1", auth.RoleAdmin, nil)
	_ = json.Unmarshal(w.Body.Bytes(), &page)
	if page.Count != 1 || page.HasMore {
		t.Errorf("Expected last page of 1, got %+v", page)
	}

	if w := api.do(t, "GET", "/v1/disputes?cursor=@@@", "arb-1", auth.RoleAdmin, nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad cursor, got %d", w.Code)
	}
}

func TestHandler_RetrySettlementAdminOnly(t *testing.T) {
	api := setupTestRouter(t)
	trade := api.pendingTrade(t)
	api.custody.setDown(custody.LegRelease, true)
	_, _ = api.svc.Confirm(context.Background(), trade.ID, Actor{ID: seller})
	api.custody.setDown(custody.LegRelease, false)

	if w := api.do(t, "POST", "/v1/trades/"+trade.ID+"/retry-settlement", seller, auth.RoleUser, nil); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for a user, got %d", w.Code)
	}
	w := api.do(t, "POST", "/v1/trades/"+trade.ID+"/retry-settlement", "ops-1", auth.RoleAdmin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := api.mustTrade(t, trade.ID).Status; got != TradeReleased {
		t.Errorf("Expected RELEASED, got %s", got)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrTradeNotFound, http.StatusNotFound},
		{ErrInvalidRequest, http.StatusBadRequest},
		{ErrNotAssigned, http.StatusForbidden},
		{ErrEvidenceIncomplete, http.StatusConflict},
		{ErrCustodyFailure, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
