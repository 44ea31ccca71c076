package application

import "sync"

// orderLocks 按订单 ID 加锁，保证同一订单同时只有一个 读取-校验-写入 在进行。
// 引用计数归零时删除条目，避免长期运行时 map 膨胀。
type orderLocks struct {
	mu    sync.Mutex
	locks map[string]*orderLock
}

type orderLock struct {
	sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{locks: make(map[string]*orderLock)}
}

// Lock 返回解锁函数
func (l *orderLocks) Lock(orderID string) func() {
	l.mu.Lock()
	lk, ok := l.locks[orderID]
	if !ok {
		lk = &orderLock{}
		l.locks[orderID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.Lock()
	return func() {
		lk.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, orderID)
		}
		l.mu.Unlock()
	}
}
