package brokers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"signalbridge/src/brokers"
	"signalbridge/src/model"
)

func newTradovateTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *brokers.TradovateBroker) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server, brokers.NewTradovateBrokerWithBaseURL(server.URL)
}

func TestTradovateAuthenticate(t *testing.T) {
	expiry := time.Now().UTC().Add(80 * time.Minute).Format(time.RFC3339)

	_, broker := newTradovateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/accesstokenrequest" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}

		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected body decode error: %v", err)
		}
		if body["name"] != "trader1" {
			t.Fatalf("expected username trader1, got %v", body["name"])
		}

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken":    "tok-abc",
			"expirationTime": expiry,
			"userId":         42,
		})
	})

	cred, err := broker.Authenticate(context.Background(), map[string]string{
		"username": "trader1",
		"password": "hunter2",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cred.AccessToken != "tok-abc" {
		t.Fatalf("expected token tok-abc, got %q", cred.AccessToken)
	}
	if !cred.IsValid {
		t.Fatalf("expected fresh credential to be valid")
	}
	if cred.BrokerID != brokers.BrokerTradovate {
		t.Fatalf("expected tradovate broker id, got %q", cred.BrokerID)
	}
}

func TestTradovateAuthenticateRejected(t *testing.T) {
	_, broker := newTradovateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errorText": "Incorrect username or password",
		})
	})

	if _, err := broker.Authenticate(context.Background(), map[string]string{}); err == nil {
		t.Fatalf("expected auth rejection error")
	}
}

func TestTradovateRefreshCredentials(t *testing.T) {
	_, broker := newTradovateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/renewaccesstoken" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer old-token" {
			t.Fatalf("expected old token on renewal request, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken":    "new-token",
			"expirationTime": time.Now().UTC().Add(80 * time.Minute).Format(time.RFC3339),
		})
	})

	old := &model.BrokerCredential{
		BrokerID:    brokers.BrokerTradovate,
		AccessToken: "old-token",
		IsValid:     true,
	}

	refreshed, err := broker.RefreshCredentials(context.Background(), old)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refreshed.AccessToken != "new-token" {
		t.Fatalf("expected rotated token, got %q", refreshed.AccessToken)
	}
	if old.AccessToken != "old-token" {
		t.Fatalf("refresh must not mutate the input credential")
	}
}

func TestTradovateRefreshRetriesTransientFailures(t *testing.T) {
	calls := 0
	_, broker := newTradovateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken":    "retried-token",
			"expirationTime": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		})
	})

	refreshed, err := broker.RefreshCredentials(context.Background(), &model.BrokerCredential{AccessToken: "t"})
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if refreshed.AccessToken != "retried-token" {
		t.Fatalf("expected token from retried response, got %q", refreshed.AccessToken)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestTradovatePlaceOrder(t *testing.T) {
	_, broker := newTradovateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/order/placeorder" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}

		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected body decode error: %v", err)
		}
		if body["action"] != "Sell" {
			t.Fatalf("expected Sell action, got %v", body["action"])
		}
		if body["orderType"] != "Market" {
			t.Fatalf("expected Market order type, got %v", body["orderType"])
		}

		_ = json.NewEncoder(w).Encode(map[string]interface{}{"orderId": 9001})
	})

	account := &model.BrokerAccount{AccountID: "DEMO123"}
	cred := &model.BrokerCredential{AccessToken: "tok"}

	result, err := broker.PlaceOrder(context.Background(), account, cred, brokers.OrderRequest{
		AccountID: "DEMO123",
		Symbol:    "MESZ5",
		Quantity:  2,
		Side:      brokers.OrderSideSell,
		Type:      brokers.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OrderID != "9001" {
		t.Fatalf("expected order id 9001, got %q", result.OrderID)
	}
	if result.FilledQuantity != 2 {
		t.Fatalf("expected filled quantity 2, got %d", result.FilledQuantity)
	}
}

func TestTradovatePlaceOrderFailureReason(t *testing.T) {
	_, broker := newTradovateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"failureReason": "AccountClosed",
			"failureText":   "account is closed",
		})
	})

	_, err := broker.PlaceOrder(context.Background(), &model.BrokerAccount{AccountID: "A"}, &model.BrokerCredential{}, brokers.OrderRequest{
		Symbol:   "MESZ5",
		Quantity: 1,
		Side:     brokers.OrderSideBuy,
	})
	if err == nil {
		t.Fatalf("expected failure reason to surface as error")
	}
}

func TestTradovateGetPositionsSkipsFlat(t *testing.T) {
	_, broker := newTradovateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"symbol": "MESZ5", "netPos": 3, "netPrice": 5100.25},
			{"symbol": "MNQZ5", "netPos": 0, "netPrice": 0},
			{"symbol": "MGCZ5", "netPos": -1, "netPrice": 2450.0},
		})
	})

	positions, err := broker.GetPositions(context.Background(), &model.BrokerAccount{AccountID: "A"}, &model.BrokerCredential{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected flat positions filtered, got %d", len(positions))
	}
	if positions[1].Quantity != -1 {
		t.Fatalf("expected short position to keep its sign, got %f", positions[1].Quantity)
	}
}
