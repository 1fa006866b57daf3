package custody

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestBookHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	book := NewBookTransferer()
	router := gin.New()
	NewBookHandler(book).RegisterAdminRoutes(router.Group("/v1/admin"))

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/book/credit", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	w := post(`{"holder":"` + payee + `","asset":"` + token + `","amount":"250"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":"250"`)
	assert.Equal(t, int64(250), book.BalanceOf(payee, token).Int64())

	assert.Equal(t, http.StatusBadRequest, post(`{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"holder":"nope","asset":"`+token+`","amount":"1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"holder":"`+payee+`","asset":"nope","amount":"1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"holder":"`+payee+`","asset":"`+token+`","amount":"-1"}`).Code)

	w = post(`{"holder":"nope","asset":"nope","amount":"0"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"validation_error"`)
	for _, field := range []string{"holder", "asset", "amount"} {
		assert.Contains(t, w.Body.String(), `"field":"`+field+`"`)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/book/"+payee+"?asset="+token, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":"250"`)
}
