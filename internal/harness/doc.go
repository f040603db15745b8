// Package harness runs YAML scenarios against mapper definitions.
//
// A scenario names mapper files and schema scripts, then lists steps that
// compile or execute statements through a session on a fresh in-memory
// SQLite database:
//
//	name: rename-blog
//	description: renaming a blog is visible after commit
//	mappers: [blog.xml]
//	schema: [schema.sql]
//	steps:
//	  - query: blog.selectBlog
//	    params: {id: 1}
//	    expect:
//	      rows: [{title: Jim Business}]
//	  - update: blog.renameBlog
//	    params: {id: 1, title: Renamed}
//	    expect: {affected: 1}
//	  - commit: true
//	assertions:
//	  - type: table_row
//	    table: blog
//	    where: {id: 1}
//	    expect: {title: Renamed}
//
// Every step is recorded in a trace. The trace serialises to indented JSON
// with sorted map keys, so it can be compared against a golden file.
package harness
