package node

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blogMapper = `<?xml version="1.0" encoding="UTF-8" ?>
<!DOCTYPE mapper PUBLIC "-//mybatis.org//DTD Mapper 3.0//EN" "mapper.dtd">
<mapper namespace="blog">
  <!-- comment is dropped -->
  <select id="find" resultType="map">
    SELECT * FROM blog
    <where>
      <if test="title != null">AND title = #{title}</if>
    </where>
    <![CDATA[ AND id < 10 ]]>
  </select>
</mapper>`

func TestParseXML(t *testing.T) {
	root, err := ParseXMLString(blogMapper, "blog.xml")
	require.NoError(t, err)

	assert.Equal(t, "mapper", root.Name)
	ns, ok := root.Attr("namespace")
	assert.True(t, ok)
	assert.Equal(t, "blog", ns)

	selects := root.ElementsNamed("select")
	require.Len(t, selects, 1)
	sel := selects[0]
	assert.Equal(t, "find", sel.AttrOr("id", ""))
	assert.Equal(t, 5, sel.Line)

	elems := sel.Elements()
	require.Len(t, elems, 1)
	assert.Equal(t, "where", elems[0].Name)

	// The trailing CDATA run is merged with the surrounding text.
	last := sel.Children[len(sel.Children)-1]
	assert.Equal(t, Text, last.Kind)
	assert.Contains(t, last.Text, "AND id < 10")
}

func TestParseXMLErrors(t *testing.T) {
	_, err := ParseXMLString(`<mapper><select></mapper>`, "bad.xml")
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad.xml", pe.Source)

	_, err = ParseXMLString(`   `, "empty.xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no root element")
}

func TestSubstituteReturnsCopy(t *testing.T) {
	root, err := ParseXMLString(`<sql id="cols">${alias}.id, ${alias}.name<if test="${flag}"/></sql>`, "f.xml")
	require.NoError(t, err)

	out := root.Substitute(func(s string) string {
		return strings.NewReplacer("${alias}", "b", "${flag}", "true").Replace(s)
	})

	assert.Equal(t, `<sql id="cols">b.id, b.name<if test="true"/></sql>`, out.String())
	assert.Equal(t, `<sql id="cols">${alias}.id, ${alias}.name<if test="${flag}"/></sql>`, root.String())
}

func TestCloneIsDeep(t *testing.T) {
	n := NewElement("if", []Attr{{Name: "test", Value: "a"}}, NewText("x"))
	c := n.Clone()
	c.Attrs[0].Value = "b"
	c.Children[0].Text = "y"

	assert.Equal(t, "a", n.Attrs[0].Value)
	assert.Equal(t, "x", n.Children[0].Text)
}

func TestBodyTrims(t *testing.T) {
	n := NewElement("sql", nil, NewText("\n  id, name  "), NewElement("if", nil), NewText(" \n"))
	assert.Equal(t, "id, name", n.Body())
}
