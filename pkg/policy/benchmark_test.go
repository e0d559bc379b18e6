package policy

import (
	"fmt"
	"testing"
)

// BenchmarkEvaluate_SimpleRule benchmarks evaluation of a simple rule
func BenchmarkEvaluate_SimpleRule(b *testing.B) {
	e := NewEngine()
	_ = e.AddRule(&Rule{Name: "Simple Rule", Logic: "Matched", Action: ActionAnswer, Enabled: true})

	ctx := NewContext("example.com", "192.168.1.100", "A").WithMatch(true, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Evaluate(ctx)
	}
}

// BenchmarkEvaluate_ComplexRule benchmarks a rule combining helpers
func BenchmarkEvaluate_ComplexRule(b *testing.B) {
	e := NewEngine()
	_ = e.AddRule(&Rule{
		Name:    "Complex",
		Logic:   `Matched && IPInCIDR(ClientIP, "192.168.0.0/16") && QueryTypeIn(QueryType, "A", "AAAA")`,
		Action:  ActionAnswer,
		Enabled: true,
	})

	ctx := NewContext("example.com", "192.168.1.100", "A").WithMatch(true, 3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Evaluate(ctx)
	}
}

// BenchmarkEvaluate_ManyRules benchmarks the no-match path through many rules
func BenchmarkEvaluate_ManyRules(b *testing.B) {
	e := NewEngine()
	for i := 0; i < 50; i++ {
		_ = e.AddRule(&Rule{
			Name:    fmt.Sprintf("rule-%d", i),
			Logic:   fmt.Sprintf(`Domain == "blocked%d.example"`, i),
			Action:  ActionNXDomain,
			Enabled: true,
		})
	}

	ctx := NewContext("example.com", "192.168.1.100", "A")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Evaluate(ctx)
	}
}
