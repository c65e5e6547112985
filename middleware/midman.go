package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

// MiddlewareManager 运行期可增删的中间件链，挂在 Engine 上作为一个总控中间件。
// 链内中间件只做检查，不要调用 c.Next()，后续处理由 Use 统一推进
type MiddlewareManager struct {
	mu    sync.RWMutex
	names []string
	mids  []gin.HandlerFunc
}

func NewManager() *MiddlewareManager {
	return &MiddlewareManager{}
}

// Add 追加一个匿名中间件
func (m *MiddlewareManager) Add(h gin.HandlerFunc) { m.AddNamed("", h) }

// AddNamed 同名中间件会被替换（保持原位置）
func (m *MiddlewareManager) AddNamed(name string, h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name != "" {
		for i, n := range m.names {
			if n == name {
				m.mids[i] = h
				return
			}
		}
	}
	m.names = append(m.names, name)
	m.mids = append(m.mids, h)
}

func (m *MiddlewareManager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.names {
		if n == name && name != "" {
			m.names = append(m.names[:i], m.names[i+1:]...)
			m.mids = append(m.mids[:i], m.mids[i+1:]...)
			return
		}
	}
}

func (m *MiddlewareManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mids)
}

// Use 返回一个 gin.HandlerFunc，作为总控挂载到 Engine 上
func (m *MiddlewareManager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := append([]gin.HandlerFunc{}, m.mids...) // 拷贝一份快照
		m.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}
