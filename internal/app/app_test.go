package app

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/config"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/pdftest"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/publishing"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	integrationSecret = "integration-secret"
	integrationCookie = "app_session"
	integrationUserID = "reader-1"
)

func newIntegrationConfig(t *testing.T) config.AppConfig {
	t.Helper()
	root := t.TempDir()
	return config.AppConfig{
		DatabaseDriver:   config.DatabaseDriverSQLite,
		DatabasePath:     filepath.Join(root, "folio.db"),
		SessionSecret:    integrationSecret,
		SessionCookie:    integrationCookie,
		SessionIssuer:    "tauth",
		LinkSecret:       "link-secret",
		LinkTTL:          5 * time.Minute,
		StorageBackend:   config.StorageBackendLocal,
		MediaRoot:        filepath.Join(root, "media"),
		MaxDocumentBytes: 16 << 20,
		MaxPreviewPages:  50,
		AllowedOrigins:   []string{"*"},
	}
}

func mustMintSession(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(integrationSecret))
	if err != nil {
		t.Fatalf("failed to sign session: %v", err)
	}
	return &http.Cookie{Name: integrationCookie, Value: signed}
}

func fetch(t *testing.T, client *http.Client, target string, cookie *http.Cookie) (*http.Response, []byte) {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, target, http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return response, body
}

type locationResponse struct {
	PDFURL    string `json:"pdf_url"`
	Access    string `json:"access"`
	ExpiresIn int64  `json:"expires_in"`
}

func TestStorefrontPreviewPurchaseDownloadFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	application, err := New(ctx, newIntegrationConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to wire application: %v", err)
	}
	t.Cleanup(func() {
		if err := application.Close(); err != nil {
			t.Errorf("close failed: %v", err)
		}
	})

	item, err := application.Catalog.CreateItem(ctx, catalog.Item{Title: "Sermons on Romans", Access: catalog.AccessPaid, PreviewPageCount: 3})
	if err != nil {
		t.Fatalf("failed to create item: %v", err)
	}
	first, err := application.Publisher.AddVolume(ctx, publishing.VolumeUpload{
		ItemID:   item.ID,
		Position: 1,
		Filename: "romans-1.pdf",
		Document: bytes.NewReader(pdftest.Document(t, 8)),
	})
	if err != nil {
		t.Fatalf("failed to publish volume: %v", err)
	}
	if !first.HasPreview() {
		t.Fatalf("expected the preview to be generated at publish time")
	}
	if _, err := application.Publisher.AddVolume(ctx, publishing.VolumeUpload{
		ItemID:   item.ID,
		Position: 2,
		Filename: "romans-2.pdf",
		Document: bytes.NewReader(pdftest.Document(t, 2)),
	}); err != nil {
		t.Fatalf("failed to publish second volume: %v", err)
	}

	handler, err := application.HTTPHandler()
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	defer testServer.Close()
	client := testServer.Client()
	session := mustMintSession(t, integrationUserID)

	response, body := fetch(t, client, testServer.URL+"/volumes/"+first.ID+"/preview", session)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected preview location, got %d (%s)", response.StatusCode, body)
	}
	var location locationResponse
	if err := json.Unmarshal(body, &location); err != nil {
		t.Fatalf("invalid location payload: %v", err)
	}
	if location.Access != "preview" {
		t.Fatalf("expected preview access before purchase, got %q", location.Access)
	}
	response, body = fetch(t, client, testServer.URL+location.PDFURL, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected preview media, got %d", response.StatusCode)
	}
	pdftest.ExpectLeadingPages(t, body, 3)

	response, _ = fetch(t, client, testServer.URL+"/catalog/"+item.ID+"/download", session)
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected download to be refused before purchase, got %d", response.StatusCode)
	}

	if _, err := application.Catalog.CreatePurchase(ctx, catalog.Purchase{UserID: integrationUserID, ItemID: item.ID}); err != nil {
		t.Fatalf("failed to record purchase: %v", err)
	}

	response, body = fetch(t, client, testServer.URL+"/volumes/"+first.ID+"/preview", session)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected full location, got %d (%s)", response.StatusCode, body)
	}
	if err := json.Unmarshal(body, &location); err != nil {
		t.Fatalf("invalid location payload: %v", err)
	}
	if location.Access != "full" {
		t.Fatalf("expected full access after purchase, got %q", location.Access)
	}
	_, body = fetch(t, client, testServer.URL+location.PDFURL, nil)
	pdftest.ExpectLeadingPages(t, body, 8)

	response, body = fetch(t, client, testServer.URL+"/catalog/"+item.ID+"/download", session)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected bundle, got %d (%s)", response.StatusCode, body)
	}
	archive, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("invalid archive: %v", err)
	}
	if len(archive.File) != 2 || archive.File[0].Name != "Sermons on Romans_Vol1.pdf" {
		t.Fatalf("unexpected archive entries %v", archive.File)
	}

	response, body = fetch(t, client, testServer.URL+"/metrics", nil)
	if response.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("folio_access_decisions_total")) {
		t.Fatalf("expected decision metrics to be exposed, got %d", response.StatusCode)
	}
}

func TestNewRejectsUnknownStorageBackend(t *testing.T) {
	cfg := newIntegrationConfig(t)
	cfg.StorageBackend = "ftp"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected unknown storage backend to fail")
	}
}
