// Package xmlconv converts XML form instances to a nested mapping and back.
//
// The mapping follows a small set of conventions:
//
//   - element text becomes a string value under the element's tag
//   - attributes become keys prefixed with "@"
//   - an element repeated under one parent becomes a []any in document order
//   - text mixed with child elements or attributes is stored under "#text"
//   - the root tag is recorded under "#type"
//
// For any mapping m produced by ToStructured, ToStructured(ToXML(m)) equals m.
package xmlconv
