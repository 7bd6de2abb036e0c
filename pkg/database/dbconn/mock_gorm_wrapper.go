package dbconn

import (
	"errors"
	"reflect"
)

type MockGormWrapper interface {
	GormWrapper
	Created() []interface{}
	Saved() []interface{}
	Chain() *queryChain
	SetError(error) MockGormWrapper
	SetResult(interface{}) MockGormWrapper
}

type mockGormWrapper struct {
	error   error
	created []interface{}
	saved   []interface{}
	chain   *queryChain
	result  interface{}
}

type queryChain struct {
	Where whereQuery
	Order interface{}
	Limit int
}

type whereQuery struct {
	Query interface{}
	Args  []interface{}
	First firstSelect
}

type firstSelect struct {
	Conds []interface{}
}

func Mock() MockGormWrapper {
	return &mockGormWrapper{}
}

func (w *mockGormWrapper) Created() []interface{} {
	return w.created
}

func (w *mockGormWrapper) Saved() []interface{} {
	return w.saved
}

func (w *mockGormWrapper) Chain() *queryChain {
	return w.chain
}

func (w *mockGormWrapper) SetError(e error) MockGormWrapper {
	w.error = e
	return w
}

func (w *mockGormWrapper) SetResult(r interface{}) MockGormWrapper {
	w.result = r
	return w
}

func (w *mockGormWrapper) Error() error {
	return w.error
}

func (w *mockGormWrapper) AutoMigrate(...interface{}) error {
	return w.error
}

func (w *mockGormWrapper) Create(value interface{}) GormWrapper {
	if w.error == nil {
		w.created = append(w.created, value)
	}
	return w
}

func (w *mockGormWrapper) Save(value interface{}) GormWrapper {
	if w.error == nil {
		w.saved = append(w.saved, value)
	}
	return w
}

func (w *mockGormWrapper) chainOrNew() *queryChain {
	if w.chain == nil {
		w.chain = &queryChain{}
	}
	return w.chain
}

func (w *mockGormWrapper) Where(query interface{}, args ...interface{}) GormWrapper {
	w.chain = &queryChain{
		Where: whereQuery{
			Query: query,
			Args:  args,
		},
	}
	return w
}

func (w *mockGormWrapper) Order(value interface{}) GormWrapper {
	w.chainOrNew().Order = value
	return w
}

func (w *mockGormWrapper) Limit(limit int) GormWrapper {
	w.chainOrNew().Limit = limit
	return w
}

func (w *mockGormWrapper) First(dest interface{}, conds ...interface{}) GormWrapper {
	if w.chain == nil {
		w.error = errors.New("need to call query first")
		return w
	}

	w.chain.Where.First = firstSelect{conds}
	if w.error != nil {
		return w
	}
	w.error = Replace(dest, w.result)
	return w
}

func (w *mockGormWrapper) Find(dest interface{}, conds ...interface{}) GormWrapper {
	if w.error != nil || w.result == nil {
		return w
	}
	w.error = Replace(dest, w.result)
	return w
}

func (w *mockGormWrapper) Close() error {
	return nil
}

func Replace(i, v interface{}) error {
	val := reflect.ValueOf(i)
	if val.Kind() != reflect.Ptr {
		return errors.New("not a pointer")
	}

	val = val.Elem()

	newVal := reflect.Indirect(reflect.ValueOf(v))

	if !val.Type().AssignableTo(newVal.Type()) {
		return errors.New("mismatched types")
	}

	val.Set(newVal)
	return nil
}
