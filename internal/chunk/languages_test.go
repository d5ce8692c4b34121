package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelect_PicksVariantByExtensionAndName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"cmd/main.go", "*chunk.goExtractor"},
		{"internal/api/handler.go", "*chunk.goExtractor"},
		{"pkg/orders.py", "*chunk.pythonExtractor"},
		{"app/views.py", "*chunk.controllerExtractor"},
		{"src/util.ts", "*chunk.scriptExtractor"},
		{"src/orders/orders.controller.ts", "*chunk.controllerExtractor"},
		{"src/payments/PaymentService.ts", "*chunk.controllerExtractor"},
		{"web/App.tsx", "*chunk.controllerExtractor"},
		{"lib/index.mjs", "*chunk.scriptExtractor"},
		{"README.md", ""},
		{"Makefile", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := Select(tt.path)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.want, typeName(got))
		})
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *goExtractor:
		return "*chunk.goExtractor"
	case *pythonExtractor:
		return "*chunk.pythonExtractor"
	case *scriptExtractor:
		return "*chunk.scriptExtractor"
	case *controllerExtractor:
		return "*chunk.controllerExtractor"
	}
	return "unknown"
}

func TestSelect_LanguageNames(t *testing.T) {
	assert.Equal(t, "go", Select("a.go").Language())
	assert.Equal(t, "python", Select("a.py").Language())
	assert.Equal(t, "typescript", Select("a.ts").Language())
	assert.Equal(t, "tsx", Select("a.tsx").Language())
	assert.Equal(t, "javascript", Select("a.jsx").Language())
	assert.Equal(t, "typescript", Select("orders.service.ts").Language())
}

func TestIsControllerFile(t *testing.T) {
	assert.True(t, IsControllerFile("orders.controller.ts"))
	assert.True(t, IsControllerFile("billing_service.py"))
	assert.False(t, IsControllerFile("routes/index.js"))
	assert.True(t, IsControllerFile("api.py"))
	assert.True(t, IsControllerFile("order-handlers.js"))
	assert.False(t, IsControllerFile("models.py"))
	assert.False(t, IsControllerFile("domain.ts"))
}
