// Package registry 记录每个 (feed, 具体合约, bar size) 上有哪些 alias 在订阅。
//
// 同一个 Key 只对应一个上游物理订阅：Acquire 返回 isNew 时调用方去订阅，
// Release 返回 becameEmpty 时调用方去退订。Registry 本身不加锁，
// 由 broker 在它唯一的锁里调用，锁内不做任何 I/O。
package registry

import (
	"fmt"
	"sort"

	"quotehub.com/internal/quotes/model"
)

// Key 物理订阅的唯一标识
type Key struct {
	Feed         string        `json:"feed"`
	InstrumentID int           `json:"instrument_id"`
	BarSize      model.BarSize `json:"bar_size"`
}

func (k Key) String() string { return fmt.Sprintf("%s:%d:%s", k.Feed, k.InstrumentID, k.BarSize) }

type symbolKey struct {
	feed    string
	symbol  string
	barSize model.BarSize
}

type entry struct {
	symbol string
	counts map[model.Alias]int
	// view 是 alias 的只读快照，按首次加入的顺序；alias 集合变化时重建
	view []model.Alias
}

func (e *entry) rebuild() {
	view := make([]model.Alias, 0, len(e.counts))
	for _, a := range e.view {
		if e.counts[a] > 0 {
			view = append(view, a)
		}
	}
	for a := range e.counts {
		if !containsAlias(view, a) {
			view = append(view, a)
		}
	}
	e.view = view
}

func containsAlias(list []model.Alias, a model.Alias) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

type Registry struct {
	entries  map[Key]*entry
	bySymbol map[symbolKey]Key
	perFeed  map[string]int
}

func New() *Registry {
	return &Registry{
		entries:  make(map[Key]*entry, 64),
		bySymbol: make(map[symbolKey]Key, 64),
		perFeed:  make(map[string]int, 8),
	}
}

// Acquire alias 计数 +1。Key 第一次出现时返回 true。
// symbol 是具体合约的代码，用于适配器只给 symbol 的事件反查。
func (r *Registry) Acquire(k Key, symbol string, a model.Alias) (isNew bool) {
	e := r.entries[k]
	if e == nil {
		e = &entry{symbol: symbol, counts: make(map[model.Alias]int, 2)}
		r.entries[k] = e
		r.perFeed[k.Feed]++
		if symbol != "" {
			r.bySymbol[symbolKey{k.Feed, symbol, k.BarSize}] = k
		}
		isNew = true
	}
	e.counts[a]++
	if e.counts[a] == 1 {
		e.view = append(e.view[:len(e.view):len(e.view)], a)
	}
	return isNew
}

// Release alias 计数 -1，归零后移出；整个 Key 没有 alias 时删除并返回 becameEmpty。
// found=false 表示这个 alias 根本不在 Key 上（取消未知订阅，调用方当 no-op 处理）。
func (r *Registry) Release(k Key, a model.Alias) (becameEmpty bool, found bool) {
	e := r.entries[k]
	if e == nil || e.counts[a] == 0 {
		return false, false
	}
	e.counts[a]--
	if e.counts[a] == 0 {
		delete(e.counts, a)
		e.rebuild()
	}
	if len(e.counts) > 0 {
		return false, true
	}
	r.remove(k, e)
	return true, true
}

// Remove 整个 Key 连同所有 alias 一起删掉（上游订阅失败时用），返回被删掉的 alias 数
func (r *Registry) Remove(k Key) int {
	e := r.entries[k]
	if e == nil {
		return 0
	}
	r.remove(k, e)
	return len(e.counts)
}

func (r *Registry) remove(k Key, e *entry) {
	delete(r.entries, k)
	r.perFeed[k.Feed]--
	if r.perFeed[k.Feed] <= 0 {
		delete(r.perFeed, k.Feed)
	}
	sk := symbolKey{k.Feed, e.symbol, k.BarSize}
	if r.bySymbol[sk] == k {
		delete(r.bySymbol, sk)
	}
}

// Aliases 返回 Key 上的 alias 快照，调用方不能修改
func (r *Registry) Aliases(k Key) []model.Alias {
	if e := r.entries[k]; e != nil {
		return e.view
	}
	return nil
}

// KeyBySymbol 适配器事件没带 instrument id 时按 symbol 反查
func (r *Registry) KeyBySymbol(feed, symbol string, bs model.BarSize) (Key, bool) {
	k, ok := r.bySymbol[symbolKey{feed, symbol, bs}]
	return k, ok
}

// Count 某个 alias 在 Key 上的引用数
func (r *Registry) Count(k Key, a model.Alias) int {
	if e := r.entries[k]; e != nil {
		return e.counts[a]
	}
	return 0
}

func (r *Registry) Has(k Key) bool {
	_, ok := r.entries[k]
	return ok
}

func (r *Registry) Len() int { return len(r.entries) }

// FeedLen 某个 feed 上的物理订阅数
func (r *Registry) FeedLen(feed string) int { return r.perFeed[feed] }

// Symbol Key 对应的具体合约代码
func (r *Registry) Symbol(k Key) string {
	if e := r.entries[k]; e != nil {
		return e.symbol
	}
	return ""
}

type AliasCount struct {
	Alias model.Alias `json:"alias"`
	Count int         `json:"count"`
}

type EntrySnapshot struct {
	Key     Key          `json:"key"`
	Symbol  string       `json:"symbol"`
	Aliases []AliasCount `json:"aliases"`
}

// Snapshot 按 Key 排序的全量快照，给管理接口用
func (r *Registry) Snapshot() []EntrySnapshot {
	out := make([]EntrySnapshot, 0, len(r.entries))
	for k, e := range r.entries {
		s := EntrySnapshot{Key: k, Symbol: e.symbol, Aliases: make([]AliasCount, 0, len(e.view))}
		for _, a := range e.view {
			s.Aliases = append(s.Aliases, AliasCount{Alias: a, Count: e.counts[a]})
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Key, out[j].Key) })
	return out
}

// Drain 清空并返回所有 Key（Dispose 用）
func (r *Registry) Drain() []EntrySnapshot {
	out := r.Snapshot()
	r.entries = make(map[Key]*entry, 64)
	r.bySymbol = make(map[symbolKey]Key, 64)
	r.perFeed = make(map[string]int, 8)
	return out
}

func lessKey(a, b Key) bool {
	if a.Feed != b.Feed {
		return a.Feed < b.Feed
	}
	if a.InstrumentID != b.InstrumentID {
		return a.InstrumentID < b.InstrumentID
	}
	return a.BarSize < b.BarSize
}
