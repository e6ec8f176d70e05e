package manager

import (
	"sort"
	"sync"
)

// DeadlockDetector 维护事务等待图 (waiting -> holders)
type DeadlockDetector struct {
	mu           sync.RWMutex
	waitForGraph map[uint64]map[uint64]bool
}

// NewDeadlockDetector 创建死锁检测器
func NewDeadlockDetector() *DeadlockDetector {
	return &DeadlockDetector{
		waitForGraph: make(map[uint64]map[uint64]bool),
	}
}

// AddWaitEdge 添加等待关系
func (dd *DeadlockDetector) AddWaitEdge(waiting, holding uint64) {
	dd.mu.Lock()
	defer dd.mu.Unlock()

	if dd.waitForGraph[waiting] == nil {
		dd.waitForGraph[waiting] = make(map[uint64]bool)
	}
	dd.waitForGraph[waiting][holding] = true
}

// RemoveWaitEdge 移除等待关系, 空集合会被删除
func (dd *DeadlockDetector) RemoveWaitEdge(waiting, holding uint64) {
	dd.mu.Lock()
	defer dd.mu.Unlock()

	if waitSet, exists := dd.waitForGraph[waiting]; exists {
		delete(waitSet, holding)
		if len(waitSet) == 0 {
			delete(dd.waitForGraph, waiting)
		}
	}
}

// RemoveTransaction 移除事务的所有等待关系
func (dd *DeadlockDetector) RemoveTransaction(txID uint64) {
	dd.mu.Lock()
	defer dd.mu.Unlock()

	delete(dd.waitForGraph, txID)
	for waiter, waitSet := range dd.waitForGraph {
		delete(waitSet, txID)
		if len(waitSet) == 0 {
			delete(dd.waitForGraph, waiter)
		}
	}
}

// DetectDeadlock returns the transactions of one wait cycle in path order,
// or nil when the graph is acyclic. A transaction waiting on itself is not
// reported.
func (dd *DeadlockDetector) DetectDeadlock() []uint64 {
	dd.mu.RLock()
	defer dd.mu.RUnlock()

	for _, start := range dd.sortedKeys() {
		visited := make(map[uint64]bool)
		var path []uint64
		if dd.dfs(start, start, visited, &path) {
			return path
		}
	}
	return nil
}

// dfs 深度优先搜索, 回到起点且路径长度大于1即为环
func (dd *DeadlockDetector) dfs(current, target uint64, visited map[uint64]bool, path *[]uint64) bool {
	if len(*path) > 1 && current == target {
		return true
	}
	if visited[current] {
		return false
	}
	visited[current] = true
	*path = append(*path, current)

	for _, next := range dd.neighbors(current) {
		if dd.dfs(next, target, visited, path) {
			return true
		}
	}
	*path = (*path)[:len(*path)-1]
	return false
}

func (dd *DeadlockDetector) sortedKeys() []uint64 {
	keys := make([]uint64, 0, len(dd.waitForGraph))
	for k := range dd.waitForGraph {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (dd *DeadlockDetector) neighbors(txID uint64) []uint64 {
	set := dd.waitForGraph[txID]
	out := make([]uint64, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetWaitForGraph 获取等待图的快照(用于调试)
func (dd *DeadlockDetector) GetWaitForGraph() map[uint64][]uint64 {
	dd.mu.RLock()
	defer dd.mu.RUnlock()

	result := make(map[uint64][]uint64, len(dd.waitForGraph))
	for waiter := range dd.waitForGraph {
		result[waiter] = dd.neighbors(waiter)
	}
	return result
}

// selectVictim 选择环中事务ID最大(最年轻)的事务
func selectVictim(cycle []uint64) uint64 {
	var victim uint64
	for _, txID := range cycle {
		if txID > victim {
			victim = txID
		}
	}
	return victim
}
