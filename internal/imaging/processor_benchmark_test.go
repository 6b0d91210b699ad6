package imaging

import (
	"context"
	"testing"

	"github.com/dunamismax/restoreflow/internal/domain"
)

func BenchmarkProcessorRestore(b *testing.B) {
	source := buildTestPNG(b, 1920, 1080)
	processor, err := NewProcessor()
	if err != nil {
		b.Fatalf("new processor: %v", err)
	}
	params := domain.Params{"width": "1280", "quality": "82"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := processor.Restore(context.Background(), source, params); err != nil {
			b.Fatalf("restore: %v", err)
		}
	}
}

func BenchmarkProcessorThumbnail(b *testing.B) {
	source := buildTestPNG(b, 1920, 1080)
	processor, err := NewProcessor()
	if err != nil {
		b.Fatalf("new processor: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := processor.Thumbnail(context.Background(), source); err != nil {
			b.Fatalf("thumbnail: %v", err)
		}
	}
}
