// Package casexml reads case blocks out of a structured form and renders case
// blocks back into structured form data.
//
// A case block is an element named "case" in the case transaction v2
// namespace. It can appear anywhere in the form, including inside repeat
// groups, and holds up to five sections applied in a fixed order:
//
//	<case xmlns="http://commcarehq.org/case/transaction/v2"
//	      case_id="..." user_id="..." date_modified="...">
//	  <create><case_type/><case_name/><owner_id/></create>
//	  <update><any_property>value</any_property></update>
//	  <index><parent case_type="household" relationship="child">id</parent></index>
//	  <close/>
//	  <attachment><photo src="photo.jpg" from="local"/></attachment>
//	</case>
package casexml
