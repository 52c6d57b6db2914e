// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
//
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"testing"
	"time"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertJSONEqual 断言两个值的 JSON 表示相等
func AssertJSONEqual(t testing.TB, expected, actual any) {
	t.Helper()

	expectedJSON, err := json.Marshal(expected)
	if err != nil {
		t.Fatalf("failed to marshal expected: %v", err)
	}

	actualJSON, err := json.Marshal(actual)
	if err != nil {
		t.Fatalf("failed to marshal actual: %v", err)
	}

	if string(expectedJSON) != string(actualJSON) {
		t.Errorf("JSON mismatch:\nexpected: %s\nactual: %s", expectedJSON, actualJSON)
	}
}

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t testing.TB, condition func() bool, timeout time.Duration) {
	t.Helper()
	if !WaitFor(condition, timeout) {
		t.Errorf("condition did not become true within %v", timeout)
	}
}

// =============================================================================
// ⏱️ 时间辅助
// =============================================================================

// WaitFor 等待条件满足或超时
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// =============================================================================
// 🔧 测试数据辅助
// =============================================================================

// MustJSON 将值转换为 JSON 字符串，失败时 panic
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// MustParseJSON 解析 JSON 字符串，失败时 panic
func MustParseJSON[T any](s string) T {
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(err)
	}
	return v
}

// UnitVector 返回第 axis 维为 1 的 dim 维向量
func UnitVector(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

// RandomVectors 生成 n 个单位化的高斯随机向量，相同种子结果相同
func RandomVectors(seed int64, n, dim int) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		var norm float64
		for j := range v {
			x := rng.NormFloat64()
			v[j] = float32(x)
			norm += x * x
		}
		norm = math.Sqrt(norm)
		for j := range v {
			v[j] = float32(float64(v[j]) / norm)
		}
		out[i] = v
	}
	return out
}

// =============================================================================
// 📊 基准测试辅助
// =============================================================================

// BenchmarkHelper 基准测试辅助结构
type BenchmarkHelper struct {
	b *testing.B
}

// NewBenchmarkHelper 创建基准测试辅助
func NewBenchmarkHelper(b *testing.B) *BenchmarkHelper {
	return &BenchmarkHelper{b: b}
}

// ResetTimer 重置计时器
func (h *BenchmarkHelper) ResetTimer() {
	h.b.ResetTimer()
}

// ReportAllocs 报告内存分配
func (h *BenchmarkHelper) ReportAllocs() {
	h.b.ReportAllocs()
}

// RunParallel 并行运行基准测试
func (h *BenchmarkHelper) RunParallel(body func()) {
	h.b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			body()
		}
	})
}
