package reservation

import (
	"math"
	"sort"
	"strings"
	"time"
)

// PredicateKind は一覧取得の絞り込み条件の種類
type PredicateKind int

const (
	PredicateSearch PredicateKind = iota + 1
	PredicateStatus
	PredicateDate
	PredicateDateFrom
	PredicateOwner
	PredicateActive
)

// Predicate は1つの絞り込み条件。Filter 内の条件は AND で結合される
type Predicate struct {
	Kind   PredicateKind
	Text   string
	Status Status
	Date   time.Time
}

// Search は利用者名・氏名・メールアドレスの部分一致（大文字小文字を区別しない）
func Search(text string) Predicate {
	return Predicate{Kind: PredicateSearch, Text: strings.TrimSpace(text)}
}

// WithStatus は状態の完全一致
func WithStatus(s Status) Predicate { return Predicate{Kind: PredicateStatus, Status: s} }

// OnDate は予約日の完全一致
func OnDate(d time.Time) Predicate { return Predicate{Kind: PredicateDate, Date: NormalizeDate(d)} }

// FromDate は指定日以降の予約
func FromDate(d time.Time) Predicate { return Predicate{Kind: PredicateDateFrom, Date: NormalizeDate(d)} }

// OwnedBy は所有者の一致
func OwnedBy(ownerID string) Predicate { return Predicate{Kind: PredicateOwner, Text: ownerID} }

// ActiveOnly は保留中・確定済みのみ
func ActiveOnly() Predicate { return Predicate{Kind: PredicateActive} }

// OwnerFields は検索対象となる所有者の表示項目
type OwnerFields struct {
	Username string
	FullName string
	Email    string
}

// Filter は AND 結合される条件の列
type Filter []Predicate

// FilterParams は画面やAPIから受け取る任意の絞り込み値
type FilterParams struct {
	Search  string
	Status  string
	Date    string
	OwnerID string
}

// BuildFilter は FilterParams から Filter を組み立てる
// 空文字の項目は条件に含めない。Status の "all" は絞り込みなしとして扱う
func BuildFilter(p FilterParams) (Filter, error) {
	var f Filter
	if s := strings.TrimSpace(p.Search); s != "" {
		f = append(f, Search(s))
	}
	if s := strings.TrimSpace(p.Status); s != "" && !strings.EqualFold(s, "all") {
		st, err := ParseStatus(s)
		if err != nil {
			return nil, err
		}
		f = append(f, WithStatus(st))
	}
	if s := strings.TrimSpace(p.Date); s != "" {
		d, err := ParseDate(s)
		if err != nil {
			return nil, err
		}
		f = append(f, OnDate(d))
	}
	if p.OwnerID != "" {
		f = append(f, OwnedBy(p.OwnerID))
	}
	return f, nil
}

// With は条件を追加した新しい Filter を返す
func (f Filter) With(preds ...Predicate) Filter {
	out := make(Filter, 0, len(f)+len(preds))
	out = append(out, f...)
	return append(out, preds...)
}

// NeedsOwnerFields は検索条件を含むかを返す
func (f Filter) NeedsOwnerFields() bool {
	for _, p := range f {
		if p.Kind == PredicateSearch && p.Text != "" {
			return true
		}
	}
	return false
}

// Match はすべての条件を満たすかを返す
func (f Filter) Match(r *Reservation, owner OwnerFields) bool {
	for _, p := range f {
		if !p.Match(r, owner) {
			return false
		}
	}
	return true
}

// Match は単一条件の評価
func (p Predicate) Match(r *Reservation, owner OwnerFields) bool {
	switch p.Kind {
	case PredicateSearch:
		if p.Text == "" {
			return true
		}
		needle := strings.ToLower(p.Text)
		return strings.Contains(strings.ToLower(owner.Username), needle) ||
			strings.Contains(strings.ToLower(owner.FullName), needle) ||
			strings.Contains(strings.ToLower(owner.Email), needle)
	case PredicateStatus:
		return r.Status == p.Status
	case PredicateDate:
		return NormalizeDate(r.Interval.Date).Equal(p.Date)
	case PredicateDateFrom:
		return !NormalizeDate(r.Interval.Date).Before(p.Date)
	case PredicateOwner:
		return r.OwnerID == p.Text
	case PredicateActive:
		return r.IsActive()
	}
	return true
}

// Order は一覧の並び順。呼び出し側が用途に応じて指定する
type Order int

const (
	// OrderBySchedule は予約日・開始時刻の昇順
	OrderBySchedule Order = iota
	// OrderByCreatedDesc は作成日時の降順
	OrderByCreatedDesc
)

// Less は a が b より前に並ぶかを返す
func (o Order) Less(a, b *Reservation) bool {
	switch o {
	case OrderByCreatedDesc:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	default:
		da, db := NormalizeDate(a.Interval.Date), NormalizeDate(b.Interval.Date)
		if !da.Equal(db) {
			return da.Before(db)
		}
		if a.Interval.Start != b.Interval.Start {
			return a.Interval.Start < b.Interval.Start
		}
		return a.ID < b.ID
	}
}

// Sort は items を並べ替える
func (o Order) Sort(items []*Reservation) {
	sort.SliceStable(items, func(i, j int) bool { return o.Less(items[i], items[j]) })
}

const (
	DefaultPageSize = 15
	MaxPageSize     = 100
)

// Page は1始まりのページ指定
type Page struct {
	Number int
	Size   int
}

// NewPage は範囲外の値を補正した Page を返す
func NewPage(number, size int) Page {
	if number < 1 {
		number = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return Page{Number: number, Size: size}
}

// Offset は先頭からの読み飛ばし件数。桁あふれするページ番号では math.MaxInt を返す
func (p Page) Offset() int {
	if p.Number <= 1 || p.Size < 1 {
		return 0
	}
	if p.Number-1 > math.MaxInt/p.Size {
		return math.MaxInt
	}
	return (p.Number - 1) * p.Size
}

// Limit は取得件数
func (p Page) Limit() int { return p.Size }

// Slice は並べ替え済みの items から該当ページを切り出す。範囲外なら空
func (p Page) Slice(items []*Reservation) []*Reservation {
	off := p.Offset()
	if off >= len(items) {
		return []*Reservation{}
	}
	end := off + p.Size
	if end > len(items) || end < off {
		end = len(items)
	}
	return items[off:end]
}

// TotalPages は ceil(total / size)
func TotalPages(total, size int) int {
	if size < 1 || total <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// ListQuery は一覧取得の条件
type ListQuery struct {
	Filter Filter
	Order  Order
	Page   Page
}

// ListResult はページ分割された一覧
type ListResult struct {
	Items      []*Reservation
	Page       int
	PageSize   int
	TotalCount int
	TotalPages int
}

// NewListResult は ListResult を作成する
func NewListResult(items []*Reservation, page Page, total int) *ListResult {
	if items == nil {
		items = []*Reservation{}
	}
	return &ListResult{
		Items:      items,
		Page:       page.Number,
		PageSize:   page.Size,
		TotalCount: total,
		TotalPages: TotalPages(total, page.Size),
	}
}

// Counts は状態別の件数
type Counts struct {
	Total    int
	Pending  int
	ByStatus map[Status]int
}

// NewCounts は状態別件数から Counts を作成する
func NewCounts(byStatus map[Status]int) Counts {
	c := Counts{ByStatus: make(map[Status]int, len(AllStatuses))}
	for _, s := range AllStatuses {
		c.ByStatus[s] = 0
	}
	for s, n := range byStatus {
		c.ByStatus[s] = n
		c.Total += n
	}
	c.Pending = c.ByStatus[StatusPending]
	return c
}

// Active は保留中と確定済みの合計
func (c Counts) Active() int {
	return c.ByStatus[StatusPending] + c.ByStatus[StatusConfirmed]
}
